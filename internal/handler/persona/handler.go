package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-chatter/backend/internal/handler/health"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/persona"
	"github.com/zhouzirui/voice-chatter/backend/pkg/utils"
)

// Source 提供当前生效的人设，由 session.Manager 实现。
type Source interface {
	health.Authenticator
	Persona() persona.Persona
}

// Handler persona服务的HTTP处理器
type Handler struct {
	source Source
}

// New 创建persona处理器
func New(source Source) *Handler {
	return &Handler{source: source}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/persona", h.handleGetPersona)
}

type personaView struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Traits       []string `json:"traits,omitempty"`
	Locale       string   `json:"locale"`
	VoiceID      string   `json:"voiceId,omitempty"`
	SpeakingRate float32  `json:"speakingRate,omitempty"`
}

// handleGetPersona 返回设备当前对话的人设，不包含系统指令原文。
func (h *Handler) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	if err := h.source.Authenticate(health.TokenFromRequest(r)); err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	p := h.source.Persona()
	utils.RespondJSON(w, http.StatusOK, personaView{
		ID:           p.ID,
		Name:         p.Name,
		Traits:       p.Traits,
		Locale:       p.Locale,
		VoiceID:      p.VoiceID,
		SpeakingRate: p.SpeakingRate,
	})
}
