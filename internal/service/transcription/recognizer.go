package transcription

import "context"

// StreamConfig 一次流式识别交换的参数，每个话语各自打开。
type StreamConfig struct {
	SessionID    string
	UtteranceSeq uint64
	Locale       string
	SampleRateHz int
}

// Result 识别服务返回的单个结果。
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Recognizer 外部流式识别服务。
type Recognizer interface {
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream 一个已打开的识别流。Recv 在结果耗尽后返回 io.EOF；Close 必须能唤醒阻塞中的 Recv，且可重复调用。
type Stream interface {
	Send(audio []byte) error
	CloseSend() error
	Recv() (Result, error)
	Close() error
}
