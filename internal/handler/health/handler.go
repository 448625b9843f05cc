package health

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-chatter/backend/pkg/utils"
)

// Authenticator 由 session.Manager 实现。
type Authenticator interface {
	Authenticate(token string) error
}

// Handler 存活检查与令牌检查，供运维使用。
type Handler struct {
	auth Authenticator
}

// New 创建处理器
func New(auth Authenticator) *Handler {
	return &Handler{auth: auth}
}

// RegisterRoutes 注册 /health 与 /auth-check
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/auth-check", h.handleAuthCheck)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Authenticate(TokenFromRequest(r)); err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

// TokenFromRequest 优先读取 ?token=，其次是 Authorization: Bearer。
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
