// Package speech 火山引擎流式语音识别与语音合成客户端（openspeech v3 二进制协议）。
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/zhouzirui/voice-chatter/backend/internal/service/transcription"
)

// 服务端成功码，大模型接口返回 20000000，旧接口返回 0。
const asrCodeOK = 20000000

var errSendClosed = errors.New("speech: audio input already closed")

// VolcengineRecognizer 实现 transcription.Recognizer，每个话语建立一条 bigmodel_async 连接。
type VolcengineRecognizer struct {
	cfg Config
}

// NewVolcengineRecognizer 创建流式识别客户端。
func NewVolcengineRecognizer(cfg Config) *VolcengineRecognizer {
	return &VolcengineRecognizer{cfg: cfg.withDefaults()}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type asrServerMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

func buildASRRequest(cfg transcription.StreamConfig) asrRequest {
	var req asrRequest
	req.User.UID = fmt.Sprintf("%s-%d", cfg.SessionID, cfg.UtteranceSeq)

	req.Audio.Language = cfg.Locale
	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = cfg.SampleRateHz
	if req.Audio.Rate <= 0 {
		req.Audio.Rate = 16000
	}
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// OpenStream 建立连接并发送参数帧。ctx 结束时连接随之关闭。
func (r *VolcengineRecognizer) OpenStream(ctx context.Context, cfg transcription.StreamConfig) (transcription.Stream, error) {
	conn, err := dialVendor(ctx, r.cfg, r.cfg.ASRURL, r.cfg.ASRResourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ASR: %w", err)
	}

	params, err := json.Marshal(buildASRRequest(cfg))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	frame, err := NewFullClientRequest(params)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.writeFrame(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send ASR request: %w", err)
	}

	return &asrStream{
		conn:      conn,
		label:     fmt.Sprintf("session=%s utterance=%d", cfg.SessionID, cfg.UtteranceSeq),
		stopAfter: context.AfterFunc(ctx, func() { _ = conn.Close() }),
		// 参数帧占用序号 1，音频从 2 开始
		seq: 2,
	}, nil
}

// asrStream Send/CloseSend 与 Recv 可以在不同协程中并发调用。
type asrStream struct {
	conn      *vendorConn
	label     string
	stopAfter func() bool

	writeMu    sync.Mutex
	seq        int32
	sendClosed bool

	// 仅由 Recv 协程访问
	lastText string
	finished bool

	closeOnce sync.Once
}

func (s *asrStream) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return errSendClosed
	}

	frame, err := NewAudioRequest(audio, s.seq, false)
	if err != nil {
		return err
	}
	if err := s.conn.writeFrame(frame); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	s.seq++
	return nil
}

// CloseSend 发送负序号的空尾包，服务端随后返回最终结果。
func (s *asrStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true

	frame, err := NewAudioRequest(nil, s.seq, true)
	if err != nil {
		return err
	}
	if err := s.conn.writeFrame(frame); err != nil {
		return fmt.Errorf("failed to send last audio packet: %w", err)
	}
	return nil
}

func (s *asrStream) Recv() (transcription.Result, error) {
	if s.finished {
		return transcription.Result{}, io.EOF
	}

	for {
		frame, err := s.conn.readFrame()
		if err != nil {
			return transcription.Result{}, fmt.Errorf("failed to read ASR response: %w", err)
		}

		switch frame.Type {
		case ErrorMessage:
			body, _ := frame.Body()
			return transcription.Result{}, fmt.Errorf("ASR error %d: %s", frame.ErrorCode, string(body))

		case FullServerResponse:
			body, err := frame.Body()
			if err != nil {
				return transcription.Result{}, fmt.Errorf("failed to decompress ASR payload: %w", err)
			}

			var msg asrServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &msg); err != nil {
					log.Printf("[asr] %s failed to unmarshal response: %v", s.label, err)
					continue
				}
			}
			if msg.Code != 0 && msg.Code != asrCodeOK {
				return transcription.Result{}, fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)
			}

			text := msg.Result.Text
			if text == "" && len(msg.Result.Utterances) > 0 {
				text = joinUtterances(msg.Result.Utterances)
			}
			if frame.IsLast() || frame.Sequence < 0 {
				s.finished = true
				if text == "" {
					text = s.lastText
				}
				return transcription.Result{Text: text, IsFinal: true, Confidence: estimateASRConfidence(text)}, nil
			}

			// 全量模式下每次返回完整文本，未变化的结果不再上报
			if text == "" || text == s.lastText {
				continue
			}
			s.lastText = text
			return transcription.Result{Text: text, Confidence: estimateASRConfidence(text)}, nil

		default:
			// 音频 ACK 等其它帧忽略
		}
	}
}

func (s *asrStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopAfter()
		err = s.conn.Close()
	})
	return err
}

func joinUtterances(utterances []asrUtterance) string {
	var builder strings.Builder
	for _, u := range utterances {
		builder.WriteString(u.Text)
	}
	return builder.String()
}

func estimateASRConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return 0.95
}
