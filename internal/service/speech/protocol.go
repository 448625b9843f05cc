package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 火山引擎 openspeech v3 二进制帧：4 字节头 + 可选序号/事件 + 负载长度 + 负载。
const protocolVersion = 0b0001

// MessageType 帧类型
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags 帧标志，低两位描述序号，0b0100 表示携带事件。
type MessageFlags uint8

const (
	NoSequence       MessageFlags = 0b0000
	PositiveSequence MessageFlags = 0b0001
	LastNoSequence   MessageFlags = 0b0010
	NegativeSequence MessageFlags = 0b0011
	WithEvent        MessageFlags = 0b0100

	sequenceMask MessageFlags = 0b0011
)

// EventType 服务端事件
type EventType int32

const (
	EventStartConnection    EventType = 1
	EventFinishConnection   EventType = 2
	EventConnectionStarted  EventType = 50
	EventConnectionFailed   EventType = 51
	EventConnectionFinished EventType = 52
	EventSessionStarted     EventType = 150
	EventSessionFinished    EventType = 152
	EventSessionFailed      EventType = 153
)

// Serialization 负载序列化方式
type Serialization uint8

const (
	RawSerialization  Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

// Compression 负载压缩方式
type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

var errShortFrame = errors.New("speech: frame truncated")

// Frame 一个完整的协议帧。Payload 保持线上（可能已压缩）的形式。
type Frame struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	Event         EventType
	SessionID     string
	ConnectID     string
	ErrorCode     uint32
	Payload       []byte
}

// IsLast 帧是否为流中的最后一包。
func (f *Frame) IsLast() bool {
	switch f.Flags & sequenceMask {
	case LastNoSequence, NegativeSequence:
		return true
	}
	return false
}

func (f *Frame) hasSequence() bool {
	switch f.Flags & sequenceMask {
	case PositiveSequence, NegativeSequence:
		return true
	}
	return false
}

func (f *Frame) hasEvent() bool {
	return f.Flags&WithEvent == WithEvent
}

// Body 返回解压后的负载。
func (f *Frame) Body() ([]byte, error) {
	return decompress(f.Payload, f.Compression)
}

// Encode 序列化为一个 websocket 二进制消息。
func (f *Frame) Encode() []byte {
	buf := make([]byte, 0, 16+len(f.Payload))
	buf = append(buf,
		protocolVersion<<4|0b0001,
		uint8(f.Type)<<4|uint8(f.Flags),
		uint8(f.Serialization)<<4|uint8(f.Compression),
		0,
	)

	if f.hasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Sequence))
	}
	if f.hasEvent() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Event))
		if !eventSkipsSessionID(f.Event) {
			buf = appendSized(buf, []byte(f.SessionID))
		}
		if eventHasConnectID(f.Event) {
			buf = appendSized(buf, []byte(f.ConnectID))
		}
	}
	if f.Type == ErrorMessage {
		buf = binary.BigEndian.AppendUint32(buf, f.ErrorCode)
	}
	return appendSized(buf, f.Payload)
}

// DecodeFrame 解析一个服务端或客户端帧。
func DecodeFrame(data []byte) (*Frame, error) {
	r := frameReader{data: data}

	head, err := r.next(4)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if v := head[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}

	f := &Frame{
		Type:          MessageType(head[1] >> 4),
		Flags:         MessageFlags(head[1] & 0x0F),
		Serialization: Serialization(head[2] >> 4),
		Compression:   Compression(head[2] & 0x0F),
	}

	// 头部长度以 4 字节为单位，超出部分为扩展头
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := r.next(extra); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	if f.hasSequence() {
		seq, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		f.Sequence = int32(seq)
	}

	if f.hasEvent() {
		event, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		f.Event = EventType(event)
		if !eventSkipsSessionID(f.Event) {
			id, err := r.sized()
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
			f.SessionID = string(id)
		}
		if eventHasConnectID(f.Event) {
			id, err := r.sized()
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
			f.ConnectID = string(id)
		}
	}

	if f.Type == ErrorMessage {
		if f.ErrorCode, err = r.uint32(); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	if f.Payload, err = r.sized(); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return f, nil
}

// NewFullClientRequest 构造携带 JSON 参数的首帧，负载使用 gzip 压缩。
func NewFullClientRequest(params []byte) (*Frame, error) {
	payload, err := compress(params, GzipCompression)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:          FullClientRequest,
		Flags:         NoSequence,
		Serialization: JSONSerialization,
		Compression:   GzipCompression,
		Payload:       payload,
	}, nil
}

// NewAudioRequest 构造音频帧。最后一包的序号以负数发送。
func NewAudioRequest(audio []byte, sequence int32, last bool) (*Frame, error) {
	payload, err := compress(audio, GzipCompression)
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Type:          AudioOnlyRequest,
		Serialization: RawSerialization,
		Compression:   GzipCompression,
		Payload:       payload,
	}
	switch {
	case last && sequence != 0:
		f.Flags = NegativeSequence
		f.Sequence = -sequence
	case last:
		f.Flags = LastNoSequence
	case sequence > 0:
		f.Flags = PositiveSequence
		f.Sequence = sequence
	default:
		f.Flags = NoSequence
	}
	return f, nil
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

func eventHasConnectID(event EventType) bool {
	switch event {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

func appendSized(buf, data []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

type frameReader struct {
	data []byte
	off  int
}

func (r *frameReader) next(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, errShortFrame
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *frameReader) uint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *frameReader) sized() ([]byte, error) {
	size, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	return r.next(int(size))
}

func compress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}

func decompress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		if len(data) == 0 {
			return nil, nil
		}
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}
