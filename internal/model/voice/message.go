package voice

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// 客户端 -> 服务端
const (
	TypeStartUtterance = "start-utterance"
	TypeAudioChunk     = "audio-chunk"
	TypeStopUtterance  = "stop-utterance"
	TypeClose          = "close"
)

// 服务端 -> 客户端
const (
	TypeAckReady          = "ack-ready"
	TypeTranscriptPartial = "transcript-partial"
	TypeTranscriptFinal   = "transcript-final"
	TypeReplyAudioChunk   = "reply-audio-chunk"
	TypeError             = "error"
	TypeBusy              = "busy"
)

// Envelope 读取时使用的消息外壳，data 延迟解析。
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Message 写出时使用的消息外壳。
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessage 以当前时间戳构造消息。
func NewMessage(msgType, sessionID string, data any) Message {
	return Message{
		Type:      msgType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// Inbound 是客户端消息的封闭集合。
type Inbound interface {
	inboundType() string
}

type StartUtterance struct{}

type StopUtterance struct{}

type CloseRequest struct{}

// AudioChunkMessage 上行音频，payload 在 JSON 中为 base64。
type AudioChunkMessage struct {
	Sequence     int64  `json:"sequence"`
	Payload      []byte `json:"payload"`
	SampleRateHz int    `json:"sampleRateHz"`
}

// Malformed 无法解析的客户端消息，交给会话按当前状态处理。
type Malformed struct {
	Err error
}

func (StartUtterance) inboundType() string    { return TypeStartUtterance }
func (StopUtterance) inboundType() string     { return TypeStopUtterance }
func (CloseRequest) inboundType() string      { return TypeClose }
func (AudioChunkMessage) inboundType() string { return TypeAudioChunk }
func (Malformed) inboundType() string         { return "malformed" }

// InboundType 返回消息的线上类型名。
func InboundType(msg Inbound) string {
	return msg.inboundType()
}

// DecodeInbound 解析客户端消息，未知或格式错误的消息返回 ProtocolError。
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(KindProtocol, "malformed message", err)
	}
	return ParseEnvelope(env)
}

// ParseEnvelope 按 type 解析 data。
func ParseEnvelope(env Envelope) (Inbound, error) {
	switch strings.TrimSpace(env.Type) {
	case TypeStartUtterance:
		return StartUtterance{}, nil
	case TypeStopUtterance:
		return StopUtterance{}, nil
	case TypeClose:
		return CloseRequest{}, nil
	case TypeAudioChunk:
		var chunk AudioChunkMessage
		if len(env.Data) == 0 {
			return nil, NewError(KindProtocol, "audio-chunk without data", nil)
		}
		if err := json.Unmarshal(env.Data, &chunk); err != nil {
			return nil, NewError(KindProtocol, "invalid audio-chunk payload", err)
		}
		if chunk.Sequence < 0 {
			return nil, NewError(KindProtocol, fmt.Sprintf("negative sequence %d", chunk.Sequence), nil)
		}
		return chunk, nil
	case "":
		return nil, NewError(KindProtocol, "message type is required", nil)
	default:
		return nil, NewError(KindProtocol, "unsupported message type: "+env.Type, nil)
	}
}

// AckReady 鉴权成功后的就绪通知。
type AckReady struct {
	SessionID    string `json:"sessionId"`
	SampleRateHz int    `json:"sampleRateHz"`
	Locale       string `json:"locale"`
}

// Transcript 用于 transcript-partial 与 transcript-final。
type Transcript struct {
	Text         string  `json:"text"`
	UtteranceSeq uint64  `json:"utteranceSeq"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// ReplyAudioChunk 下行音频分片。
type ReplyAudioChunk struct {
	Sequence     int64  `json:"sequence"`
	Payload      []byte `json:"payload"`
	IsFinal      bool   `json:"isFinal"`
	SampleRateHz int    `json:"sampleRateHz"`
	UtteranceSeq uint64 `json:"utteranceSeq"`
}

// ErrorPayload 下发的错误信息。
type ErrorPayload struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	UtteranceSeq uint64    `json:"utteranceSeq,omitempty"`
}

// Busy 会话非空闲时拒绝新话语。
type Busy struct {
	State string `json:"state"`
}
