package speech

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-chatter/backend/internal/handler/health"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/session"
)

const (
	// CloseAuthFailed 鉴权失败时使用的关闭码。
	CloseAuthFailed = 4401

	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// SessionOpener 由 session.Manager 实现。
type SessionOpener interface {
	Open(ctx context.Context, token string, out session.Outbound) (*session.Session, error)
}

// WebSocketHandler /ws/voice 语音会话入口
type WebSocketHandler struct {
	sessions SessionOpener
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(sessions SessionOpener) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/voice", h.handleWebSocket)
}

// connWriter 串行化对同一连接的写操作。
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) Send(ctx context.Context, msg voice.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteJSON(msg)
}

func (w *connWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *connWriter) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Printf("[ws] write close frame failed: %v", err)
	}
}

func (w *connWriter) sendError(ctx context.Context, sessionID string, kind voice.ErrorKind, message string) {
	msg := voice.NewMessage(voice.TypeError, sessionID, voice.ErrorPayload{Kind: kind, Message: message})
	if err := w.Send(ctx, msg); err != nil {
		log.Printf("[ws] write error failed: %v", err)
	}
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := health.TokenFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := &connWriter{conn: conn}
	sess, err := h.sessions.Open(ctx, token, writer)
	if err != nil {
		kind, message := voice.Describe(err, voice.KindConnectionLost)
		if kind == voice.KindAuthentication {
			log.Printf("[ws] rejected connection from %s: %s", r.RemoteAddr, message)
			writer.sendError(ctx, "", kind, message)
			writer.close(CloseAuthFailed, "authentication failed")
			return
		}
		log.Printf("[ws] failed to open session: %v", err)
		writer.close(websocket.CloseInternalServerErr, message)
		return
	}
	defer sess.Close()

	log.Printf("[ws] session %s connected from %s", sess.ID(), r.RemoteAddr)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(ctx, writer)
	go func() {
		select {
		case <-sess.Done():
			writer.close(websocket.CloseNormalClosure, "session closed")
			conn.Close()
		case <-ctx.Done():
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] session %s read error: %v", sess.ID(), err)
			}
			log.Printf("[ws] session %s disconnected", sess.ID())
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg voice.Inbound
		if msgType != websocket.TextMessage {
			msg = voice.Malformed{Err: voice.NewError(voice.KindProtocol, "binary frames are not supported", nil)}
		} else if msg, err = voice.DecodeInbound(data); err != nil {
			log.Printf("[ws] session %s bad message: %v", sess.ID(), err)
			msg = voice.Malformed{Err: err}
		}

		if err := sess.Handle(msg); err != nil {
			return
		}
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, writer *connWriter) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.ping(); err != nil {
				return
			}
		}
	}
}
