package voice

// AudioChunk 一段不可变的 PCM 音频数据，按方向单调编号。
type AudioChunk struct {
	Sequence     int64
	UtteranceSeq uint64
	Payload      []byte
	SampleRateHz int
	IsFinal      bool
}

// NewAudioChunk 复制 payload，保证创建后不被调用方修改。
func NewAudioChunk(utteranceSeq uint64, sequence int64, payload []byte, sampleRateHz int, isFinal bool) AudioChunk {
	data := make([]byte, len(payload))
	copy(data, payload)
	return AudioChunk{
		Sequence:     sequence,
		UtteranceSeq: utteranceSeq,
		Payload:      data,
		SampleRateHz: sampleRateHz,
		IsFinal:      isFinal,
	}
}

// TranscriptEvent 识别事件。Partial 事件仅供参考，会被同一 utteranceSeq 的后续事件覆盖。
type TranscriptEvent struct {
	Text         string
	IsFinal      bool
	Confidence   float64
	UtteranceSeq uint64
}

// PersonaPrompt 生成请求：固定人设指令 + 用户话语 + 固定输出格式指令。
type PersonaPrompt struct {
	SystemInstruction string
	UserUtterance     string
	ResponseDirective string
}

// GeneratedReply 生成结果，Text 始终非空。
type GeneratedReply struct {
	Text         string
	UtteranceSeq uint64
}
