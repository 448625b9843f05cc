package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-chatter/backend/internal/handler/health"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/session"
	"github.com/zhouzirui/voice-chatter/backend/pkg/utils"
)

const maxUploadBytes = 32 << 20 // 32MB

// AudioProcessor 整段音频处理，由 session.Manager 实现。
type AudioProcessor interface {
	Authenticate(token string) error
	ProcessAudio(ctx context.Context, pcm []byte, sampleRateHz int) (session.OneShotResult, error)
}

// Handler 不走 websocket 的一次性语音接口
type Handler struct {
	processor AudioProcessor
}

// New 创建语音处理器
func New(processor AudioProcessor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/process-audio", h.handleProcessAudio)
}

type processResponse struct {
	Transcript string `json:"transcript"`
	Reply      string `json:"reply,omitempty"`
	Audio      string `json:"audio,omitempty"`
}

// handleProcessAudio 接收 16bit 单声道 WAV（multipart 字段 audio 或原始请求体），返回回复的 WAV。
// ?format=json 时返回 JSON，音频为 base64 编码的 WAV。
func (h *Handler) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	if err := h.processor.Authenticate(health.TokenFromRequest(r)); err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	data, err := readUpload(w, r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pcm, sampleRate, err := decodePCM(data)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.processor.ProcessAudio(r.Context(), pcm, sampleRate)
	if err != nil {
		kind, message := voice.Describe(err, voice.KindGeneration)
		log.Printf("[speech] process-audio failed with %s: %v", kind, err)
		utils.RespondJSON(w, statusForKind(kind), voice.ErrorPayload{Kind: kind, Message: message})
		return
	}

	var wav []byte
	if len(result.Audio) > 0 {
		wav = utils.PCMToWAV(result.Audio, sampleRate, 1)
	}

	if r.URL.Query().Get("format") == "json" {
		resp := processResponse{Transcript: result.Transcript, Reply: result.Reply}
		if wav != nil {
			resp.Audio = base64.StdEncoding.EncodeToString(wav)
		}
		utils.RespondJSON(w, http.StatusOK, resp)
		return
	}

	w.Header().Set("X-Transcript", url.QueryEscape(result.Transcript))
	if wav == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("X-Reply", url.QueryEscape(result.Reply))
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Header().Set("Content-Disposition", "attachment; filename=reply.wav")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(wav); err != nil {
		log.Printf("failed to write audio response: %v", err)
	}
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, errors.New("failed to parse multipart form: " + err.Error())
		}
		defer r.MultipartForm.RemoveAll()

		file, _, err := r.FormFile("audio")
		if err != nil {
			return nil, errors.New("audio file is required")
		}
		defer file.Close()
		return readNonEmpty(file)
	}
	return readNonEmpty(r.Body)
}

func readNonEmpty(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.New("failed to read audio: " + err.Error())
	}
	if len(data) == 0 {
		return nil, errors.New("no audio received")
	}
	return data, nil
}

// decodePCM 只接受 16bit 单声道 WAV，采样率取自文件头。
func decodePCM(data []byte) ([]byte, int, error) {
	if !utils.IsWAV(data) {
		return nil, 0, errors.New("audio must be a WAV file")
	}
	info, err := utils.ParseWAV(data)
	if err != nil {
		return nil, 0, err
	}
	if info.Channels != 1 || info.BitsPerSample != 16 {
		return nil, 0, errors.New("audio must be 16-bit mono")
	}
	return data[info.DataOffset : info.DataOffset+info.DataLength], info.SampleRate, nil
}

func statusForKind(kind voice.ErrorKind) int {
	switch kind {
	case voice.KindProtocol:
		return http.StatusBadRequest
	case voice.KindAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
