package session

import (
	"errors"
	"log"
	"sync"
)

// ErrSessionExists 注册了重复的会话 ID。
var ErrSessionExists = errors.New("session: id already registered")

// Registry 进程内活跃会话表：鉴权成功时插入，关闭时移除，遍历只用于统计和停机。
type Registry interface {
	Insert(s *Session) error
	Remove(id string)
	Get(id string) (*Session, bool)
	Len() int
	Range(fn func(s *Session) bool)
}

// MemoryRegistry 基于 map 的 Registry 实现。
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRegistry 创建空的会话表。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*Session)}
}

func (r *MemoryRegistry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID()]; ok {
		return ErrSessionExists
	}
	r.sessions[s.ID()] = s
	log.Printf("[registry] added session=%s total=%d", s.ID(), len(r.sessions))
	return nil
}

func (r *MemoryRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	log.Printf("[registry] removed session=%s total=%d", id, len(r.sessions))
}

func (r *MemoryRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Range 在快照上遍历，fn 中可以安全地关闭会话。
func (r *MemoryRegistry) Range(fn func(s *Session) bool) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}
