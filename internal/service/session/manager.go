package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/persona"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/observe"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/transcription"
)

// ErrUnauthorized 令牌缺失或不匹配。
var ErrUnauthorized = errors.New("session: invalid access token")

// Dependencies 会话管线依赖的外部协作者。
type Dependencies struct {
	Recognizer transcription.Recognizer
	Responder  Responder
	Speaker    Speaker
	Persona    persona.Persona
	Metrics    *observe.Metrics
}

// Manager 顶层服务对象：校验令牌、创建会话并维护会话表。
type Manager struct {
	token    string
	cfg      Config
	deps     Dependencies
	registry Registry
}

// NewManager 创建管理器。registry 为 nil 时使用内存实现。
func NewManager(token string, cfg Config, registry Registry, deps Dependencies) *Manager {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Manager{
		token:    token,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		registry: registry,
	}
}

// Registry 返回会话表。
func (m *Manager) Registry() Registry {
	return m.registry
}

// Config 返回生效的会话配置。
func (m *Manager) Config() Config {
	return m.cfg
}

// Persona 返回当前进程使用的人设。
func (m *Manager) Persona() persona.Persona {
	return m.deps.Persona
}

// Authenticate 以常量时间比较令牌。
func (m *Manager) Authenticate(token string) error {
	if m.token == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
		return voice.NewError(voice.KindAuthentication, "invalid or missing token", ErrUnauthorized)
	}
	return nil
}

// Open 校验令牌后创建会话，登记到会话表并发送 ack-ready。
// 校验失败时不会创建任何会话。
func (m *Manager) Open(ctx context.Context, token string, out Outbound) (*Session, error) {
	if err := m.Authenticate(token); err != nil {
		m.deps.Metrics.RecordAuthFailure(ctx)
		log.Printf("[session] authentication rejected")
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	now := time.Now()
	s := &Session{
		id:  id,
		cfg: m.cfg,
		out: out,
		bridge: transcription.NewBridge(m.deps.Recognizer, transcription.Config{
			Locale:       m.cfg.Locale,
			SampleRateHz: m.cfg.SampleRateHz,
			StopTimeout:  m.cfg.TranscriptTimeout,
		}, id),
		responder:       m.deps.Responder,
		speaker:         m.deps.Speaker,
		persona:         m.deps.Persona,
		metrics:         m.deps.Metrics,
		ctx:             sctx,
		cancel:          cancel,
		state:           voice.StateAuthenticated,
		authenticatedAt: now,
		lastActivityAt:  now,
		done:            make(chan struct{}),
	}

	if err := m.registry.Insert(s); err != nil {
		cancel()
		return nil, err
	}
	s.onClose = func(closed *Session) {
		m.registry.Remove(closed.ID())
		m.deps.Metrics.SessionClosed(context.Background())
	}
	m.deps.Metrics.SessionOpened(ctx)
	log.Printf("[session] %s %s -> %s", id, voice.StateConnecting, voice.StateAuthenticated)

	ack := voice.AckReady{SessionID: id, SampleRateHz: m.cfg.SampleRateHz, Locale: m.cfg.Locale}
	if err := s.send(voice.TypeAckReady, ack); err != nil {
		s.Close()
		return nil, voice.NewError(voice.KindConnectionLost, "failed to send ack-ready", err)
	}

	s.mu.Lock()
	if s.state == voice.StateAuthenticated {
		s.setStateLocked(voice.StateIdle, 0)
	}
	s.mu.Unlock()
	return s, nil
}

// Shutdown 关闭所有会话并等待它们的协程退出。
func (m *Manager) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	m.registry.Range(func(s *Session) bool {
		state, age, idle := s.describe()
		log.Printf("[session] %s shutting down in %s, age=%s idle=%s", s.ID(), state, age.Round(time.Second), idle.Round(time.Second))
		g.Go(func() error {
			s.Close()
			waited := make(chan struct{})
			go func() {
				s.Wait()
				close(waited)
			}()
			select {
			case <-waited:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		return true
	})
	err := g.Wait()
	log.Printf("[session] shutdown complete, remaining=%d", m.registry.Len())
	return err
}
