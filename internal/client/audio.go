package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhouzirui/voice-chatter/backend/pkg/utils"
)

// CaptureFunc 在按下说话键时打开采集流；stop 关闭后采集流应尽快返回 io.EOF。
type CaptureFunc func(ctx context.Context, stop <-chan struct{}) (io.ReadCloser, error)

// Player 为每个回复打开一个播放目标，写入的是 16bit 单声道 PCM。
type Player interface {
	Start(utteranceSeq uint64, sampleRateHz int) (io.WriteCloser, error)
}

// ChunkBytes 给定时长对应的 16bit 单声道 PCM 字节数，100ms@16kHz 为 3200。
func ChunkBytes(sampleRateHz int, d time.Duration) int {
	n := int(int64(sampleRateHz) * 2 * int64(d) / int64(time.Second))
	n -= n % 2
	return max(n, 2)
}

// gatedReader 在 stop 关闭后返回 io.EOF。
type gatedReader struct {
	r     io.Reader
	stop  <-chan struct{}
	close func() error
}

func (g *gatedReader) Read(p []byte) (int, error) {
	select {
	case <-g.stop:
		return 0, io.EOF
	default:
	}
	return g.r.Read(p)
}

func (g *gatedReader) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

// WAVCapture 每次说话都回放同一个 WAV 文件，用于没有麦克风的调试环境。
func WAVCapture(path string, sampleRateHz int) (CaptureFunc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture file: %w", err)
	}
	info, err := utils.ParseWAV(data)
	if err != nil {
		return nil, err
	}
	if info.SampleRate != sampleRateHz || info.Channels != 1 || info.BitsPerSample != 16 {
		return nil, fmt.Errorf("capture file must be %d Hz mono 16-bit, got %d Hz %d ch %d-bit",
			sampleRateHz, info.SampleRate, info.Channels, info.BitsPerSample)
	}
	pcm := data[info.DataOffset : info.DataOffset+info.DataLength]

	return func(ctx context.Context, stop <-chan struct{}) (io.ReadCloser, error) {
		return &gatedReader{r: bytes.NewReader(pcm), stop: stop}, nil
	}, nil
}

// ReaderCapture 从一个持续的原始 PCM 流采集，例如管道输入。
func ReaderCapture(r io.Reader) CaptureFunc {
	return func(ctx context.Context, stop <-chan struct{}) (io.ReadCloser, error) {
		return &gatedReader{r: r, stop: stop}, nil
	}
}

// CommandCapture 每次说话启动一个录音进程（如 arecord -t raw），读取其标准输出；
// 松开说话键时结束该进程。
func CommandCapture(name string, args ...string) CaptureFunc {
	return func(ctx context.Context, stop <-chan struct{}) (io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stderr = os.Stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start capture command: %w", err)
		}

		go func() {
			select {
			case <-stop:
			case <-ctx.Done():
			}
			_ = cmd.Process.Signal(os.Interrupt)
		}()

		var once sync.Once
		return &gatedReader{r: stdout, stop: stop, close: func() error {
			var err error
			once.Do(func() {
				_ = cmd.Process.Kill()
				err = cmd.Wait()
			})
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil
			}
			return err
		}}, nil
	}
}

// WAVDirPlayer 把每个回复写成目录下的一个 WAV 文件。
type WAVDirPlayer struct {
	Dir string
}

func (p WAVDirPlayer) Start(utteranceSeq uint64, sampleRateHz int) (io.WriteCloser, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("reply-%s-%03d.wav", time.Now().Format("20060102-150405"), utteranceSeq)
	return &wavFileWriter{path: filepath.Join(p.Dir, name), sampleRate: sampleRateHz}, nil
}

type wavFileWriter struct {
	path       string
	sampleRate int
	buf        bytes.Buffer
}

func (w *wavFileWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *wavFileWriter) Close() error {
	if err := os.WriteFile(w.path, utils.PCMToWAV(w.buf.Bytes(), w.sampleRate, 1), 0o644); err != nil {
		return err
	}
	log.Printf("[client] reply saved to %s", w.path)
	return nil
}

// WriterPlayer 把回复音频原样写入一个持续的输出流。
type WriterPlayer struct {
	W io.Writer
}

func (p WriterPlayer) Start(uint64, int) (io.WriteCloser, error) {
	return nopWriteCloser{p.W}, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// CommandPlayer 每个回复启动一个播放进程（如 aplay -t raw），把音频写入其标准输入。
type CommandPlayer struct {
	Name string
	Args []string
}

func (p CommandPlayer) Start(uint64, int) (io.WriteCloser, error) {
	cmd := exec.Command(p.Name, p.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback command: %w", err)
	}
	return &commandWriter{WriteCloser: stdin, cmd: cmd}, nil
}

type commandWriter struct {
	io.WriteCloser
	cmd *exec.Cmd
}

func (w *commandWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		return err
	}
	return w.cmd.Wait()
}
