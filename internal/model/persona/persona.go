package persona

import "strings"

// DefaultID 未配置 PERSONA_ID 时使用的人设。
const DefaultID = "genki-friend"

// Persona 描述回复生成与语音合成使用的角色设定，进程生命周期内保持不变。
type Persona struct {
	ID                string   `yaml:"id" json:"id"`
	Name              string   `yaml:"name" json:"name"`
	Instruction       string   `yaml:"instruction" json:"instruction"`
	Traits            []string `yaml:"traits,omitempty" json:"traits,omitempty"`
	UserPrefix        string   `yaml:"userPrefix" json:"userPrefix"`
	ResponseDirective string   `yaml:"responseDirective" json:"responseDirective"`
	Locale            string   `yaml:"locale" json:"locale"`
	VoiceID           string   `yaml:"voiceId,omitempty" json:"voiceId,omitempty"`
	SpeakingRate      float32  `yaml:"speakingRate,omitempty" json:"speakingRate,omitempty"`
}

// SystemInstruction 拼接人设指令与性格特征。
func (p Persona) SystemInstruction() string {
	instruction := strings.TrimSpace(p.Instruction)
	if len(p.Traits) == 0 {
		return instruction
	}

	var builder strings.Builder
	builder.WriteString(instruction)
	builder.WriteString("\n性格: ")
	builder.WriteString(strings.Join(p.Traits, "、"))
	return builder.String()
}

// withDefaults 用内置人设补齐 YAML 中缺省的字段。
func (p Persona) withDefaults(base Persona) Persona {
	if strings.TrimSpace(p.Instruction) == "" {
		p.Instruction = base.Instruction
	}
	if p.UserPrefix == "" {
		p.UserPrefix = base.UserPrefix
	}
	if strings.TrimSpace(p.ResponseDirective) == "" {
		p.ResponseDirective = base.ResponseDirective
	}
	if p.Locale == "" {
		p.Locale = base.Locale
	}
	if p.VoiceID == "" {
		p.VoiceID = base.VoiceID
	}
	if p.SpeakingRate <= 0 {
		p.SpeakingRate = base.SpeakingRate
	}
	return p
}

// Seed 内置人设。
func Seed() []Persona {
	return []Persona{
		{
			ID:                DefaultID,
			Name:              "げんきフレンド",
			Instruction:       "あなたはアンパンマンみたいに優しく、元気で、子どもに話しかけるような口調で日本語だけで返答します。",
			Traits:            []string{"やさしい", "げんき", "前向き"},
			UserPrefix:        "利用者の発話: ",
			ResponseDirective: "利用者への返答を一つの短い段落で作成してください。",
			Locale:            "ja-JP",
			VoiceID:           "genki-friend",
			SpeakingRate:      1.1,
		},
		{
			ID:                "calm-guide",
			Name:              "おだやかガイド",
			Instruction:       "あなたは落ち着いた案内役です。丁寧語で、短く分かりやすく日本語だけで返答します。",
			Traits:            []string{"おだやか", "ていねい"},
			UserPrefix:        "利用者の発話: ",
			ResponseDirective: "利用者への返答を一つの短い段落で作成してください。",
			Locale:            "ja-JP",
			VoiceID:           "ja-male",
			SpeakingRate:      1.0,
		},
	}
}
