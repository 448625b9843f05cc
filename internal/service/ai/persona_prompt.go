package ai

import (
	"strings"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/persona"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
)

// BuildPrompt 把最终识别文本组装成人设化的生成请求，不持有状态。
func BuildPrompt(p persona.Persona, utterance string) voice.PersonaPrompt {
	return voice.PersonaPrompt{
		SystemInstruction: p.SystemInstruction(),
		UserUtterance:     p.UserPrefix + strings.TrimSpace(utterance),
		ResponseDirective: strings.TrimSpace(p.ResponseDirective),
	}
}
