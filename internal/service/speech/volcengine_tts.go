package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/voice-chatter/backend/internal/service/synthesis"
)

// VolcengineSynthesizer 实现 synthesis.Synthesizer，返回指定采样率的 16bit PCM。
type VolcengineSynthesizer struct {
	cfg Config
}

// NewVolcengineSynthesizer 创建语音合成客户端。
func NewVolcengineSynthesizer(cfg Config) *VolcengineSynthesizer {
	return &VolcengineSynthesizer{cfg: cfg.withDefaults()}
}

type ttsServerMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Additions   string         `json:"additions,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format       string `json:"format"`
	SampleRate   int    `json:"sample_rate"`
	SpeechRate   int    `json:"speech_rate,omitempty"`
	LoudnessRate int    `json:"loudness_rate,omitempty"`
}

// Synthesize 依次尝试候选音色与资源 ID，资源不匹配时换下一组。
func (s *VolcengineSynthesizer) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("TTS text is empty")
	}

	speakers := resolveTTSSpeakerCandidates(req.VoiceID, s.cfg.TTSVoice)
	if len(speakers) == 0 {
		return nil, fmt.Errorf("TTS voice is not configured")
	}

	var lastMismatch error
	for _, speaker := range speakers {
		for idx, resourceID := range resolveTTSResourceCandidates(speaker) {
			audio, err := s.synthesizeWithResource(ctx, req, speaker, resourceID)
			if err == nil {
				if idx > 0 || speaker != speakers[0] {
					log.Printf("[tts] session=%s fell back to voice=%s resource=%s", req.SessionID, speaker, resourceID)
				}
				return audio, nil
			}
			if !isResourceMismatchError(err) {
				return nil, err
			}
			log.Printf("[tts] voice %s resource %s mismatch: %v", speaker, resourceID, err)
			lastMismatch = err
		}
	}
	return nil, lastMismatch
}

func (s *VolcengineSynthesizer) synthesizeWithResource(ctx context.Context, req synthesis.Request, speaker, resourceID string) ([]byte, error) {
	conn, err := dialVendor(ctx, s.cfg, s.cfg.TTSURL, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	params, err := json.Marshal(s.buildTTSRequest(req, speaker))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	frame, err := NewFullClientRequest(params)
	if err != nil {
		return nil, err
	}
	if err := conn.writeFrame(frame); err != nil {
		return nil, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var audio bytes.Buffer
	for {
		frame, err := conn.readFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read TTS response: %w", err)
		}

		switch frame.Type {
		case ErrorMessage:
			body, _ := frame.Body()
			return nil, fmt.Errorf("TTS error %d: %s", frame.ErrorCode, string(body))

		case AudioOnlyServerResponse:
			chunk, err := frame.Body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case FullServerResponse:
			body, err := frame.Body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress TTS payload: %w", err)
			}
			if len(body) > 0 {
				var msg ttsServerMessage
				if err := json.Unmarshal(body, &msg); err != nil {
					log.Printf("[tts] failed to unmarshal response payload: %v", err)
				} else {
					if msg.Code != 0 && msg.Code != 3000 && msg.Code != asrCodeOK {
						return nil, fmt.Errorf("TTS API error %d: %s", msg.Code, msg.Message)
					}
					if msg.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(msg.Data)
						if err != nil {
							return nil, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			if frame.Event == EventSessionFailed {
				return nil, fmt.Errorf("TTS session failed: %s", string(body))
			}
			if frame.Event == EventSessionFinished || frame.IsLast() {
				if audio.Len() == 0 {
					return nil, fmt.Errorf("TTS audio is empty")
				}
				return audio.Bytes(), nil
			}
		}
	}
}

// buildTTSRequest 请求原始 PCM，采样率与会话一致。
func (s *VolcengineSynthesizer) buildTTSRequest(req synthesis.Request, speaker string) ttsRequest {
	var out ttsRequest
	out.User.UID = req.SessionID
	out.ReqParams.Speaker = speaker
	out.ReqParams.Text = req.Text
	out.ReqParams.AudioParams.Format = "pcm"
	out.ReqParams.AudioParams.SampleRate = req.SampleRateHz
	if out.ReqParams.AudioParams.SampleRate <= 0 {
		out.ReqParams.AudioParams.SampleRate = 16000
	}

	speed := req.SpeakingRate
	if speed <= 0 {
		speed = s.cfg.TTSSpeed
	}
	out.ReqParams.AudioParams.SpeechRate = ratioToRate(speed)
	out.ReqParams.AudioParams.LoudnessRate = ratioToRate(s.cfg.TTSVolume)

	additions := map[string]any{"disable_markdown_filter": false}
	if lang := explicitLanguage(req.Locale); lang != "" {
		additions["explicit_language"] = lang
	}
	if data, err := json.Marshal(additions); err == nil {
		out.ReqParams.Additions = string(data)
	}
	return out
}

// ratioToRate 把 1.1 这类倍率换算为 [-50,100] 区间的相对值，1.0 对应 0。
func ratioToRate(ratio float32) int {
	if ratio <= 0 {
		return 0
	}
	rate := int((ratio - 1) * 100)
	return max(-50, min(100, rate))
}

func explicitLanguage(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if locale == "" {
		return ""
	}
	lang, _, _ := strings.Cut(locale, "-")
	return lang
}

func resolveTTSResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "moon", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

// voiceAliases 人设文件中可以使用的音色别名。
var voiceAliases = map[string]string{
	"genki-friend": "multi_female_shuangkuaisisi_moon_bigtts",
	"ja-female":    "multi_female_shuangkuaisisi_moon_bigtts",
	"ja-male":      "multi_male_jingqiangkanye_moon_bigtts",
}

func resolveTTSSpeakerCandidates(requested, fallback string) []string {
	var candidates []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if mapped, ok := voiceAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)
	return candidates
}

func isResourceMismatchError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
