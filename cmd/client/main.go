package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-chatter/backend/internal/client"
	"github.com/zhouzirui/voice-chatter/backend/internal/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	input := flag.String("input", "", "用 WAV 文件代替麦克风（16-bit 单声道）")
	inputCmd := flag.String("input-cmd", "", "采集命令，输出原始 PCM 到标准输出，例如 \"arecord -q -f S16_LE -c1 -r16000 -t raw\"")
	outputDir := flag.String("output-dir", cfg.OutputDir, "把每个回复保存为 WAV 文件的目录")
	playCmd := flag.String("play-cmd", "", "播放命令，从标准输入读取原始 PCM，例如 \"aplay -q -f S16_LE -c1 -r16000 -t raw\"")
	url := flag.String("url", cfg.BackendURL, "后端 websocket 地址")
	flag.Parse()

	capture, realtime, err := buildCapture(*input, *inputCmd, cfg.SampleRateHz)
	if err != nil {
		log.Fatalf("采集配置错误: %v", err)
	}
	player, err := buildPlayer(*playCmd, *outputDir)
	if err != nil {
		log.Fatalf("播放配置错误: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := client.New(client.Config{
		URL:               *url,
		Token:             cfg.APIToken,
		SampleRateHz:      cfg.SampleRateHz,
		ChunkDuration:     cfg.ChunkDuration,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		Realtime:          realtime,
	}, player)

	if err := controller.Run(ctx, readTriggers(os.Stdin), capture); err != nil {
		log.Fatalf("client stopped: %v", err)
	}
	log.Println("bye")
}

// buildCapture 文件输入按实时速率回放，命令输入本身就是实时的。
func buildCapture(input, inputCmd string, sampleRateHz int) (client.CaptureFunc, bool, error) {
	switch {
	case input != "" && inputCmd != "":
		return nil, false, errors.New("-input 与 -input-cmd 不能同时使用")
	case input != "":
		capture, err := client.WAVCapture(input, sampleRateHz)
		return capture, true, err
	case inputCmd != "":
		fields := strings.Fields(inputCmd)
		return client.CommandCapture(fields[0], fields[1:]...), false, nil
	default:
		return nil, false, errors.New("需要指定 -input 或 -input-cmd")
	}
}

func buildPlayer(playCmd, outputDir string) (client.Player, error) {
	switch {
	case playCmd != "":
		fields := strings.Fields(playCmd)
		return client.CommandPlayer{Name: fields[0], Args: fields[1:]}, nil
	case outputDir != "":
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return nil, err
		}
		return client.WAVDirPlayer{Dir: outputDir}, nil
	default:
		log.Println("[WARN] 未指定 -play-cmd 或 -output-dir，回复音频将被丢弃")
		return client.WriterPlayer{W: io.Discard}, nil
	}
}

// readTriggers 每次回车产生一个触发。
func readTriggers(r io.Reader) <-chan struct{} {
	triggers := make(chan struct{})
	go func() {
		defer close(triggers)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			triggers <- struct{}{}
		}
	}()
	return triggers
}
