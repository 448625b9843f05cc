package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-chatter/backend/internal/client"
	"github.com/zhouzirui/voice-chatter/backend/internal/config"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/speech"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/synthesis"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/transcription"
	"github.com/zhouzirui/voice-chatter/backend/pkg/utils"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	if !cfg.Speech.Enabled() {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_* 凭证")
	}

	mode := flag.String("mode", "", "测试模式: asr 或 tts")
	audioPath := flag.String("audio", "", "ASR 输入 WAV 文件路径（16-bit 单声道）")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出 WAV 文件路径 (默认自动生成)")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	chunkMS := flag.Int("chunk-ms", 100, "ASR 每个音频分片的时长")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	if *mode != "asr" && *mode != "tts" {
		flag.Usage()
		log.Fatal("请通过 -mode=asr 或 -mode=tts 指定测试模式")
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}
	locale := *language
	if locale == "" {
		locale = cfg.Voice.Locale
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		recognizer := speech.NewVolcengineRecognizer(cfg.Speech.Vendor())
		runASR(ctx, recognizer, sessionID, *audioPath, locale, time.Duration(*chunkMS)*time.Millisecond)
	case "tts":
		synthesizer := speech.NewVolcengineSynthesizer(cfg.Speech.Vendor())
		runTTS(ctx, synthesizer, sessionID, *text, *voice, locale, cfg.Voice.SampleRateHz, *outputPath)
	}
}

func runASR(ctx context.Context, recognizer transcription.Recognizer, sessionID, audioPath, locale string, chunk time.Duration) {
	if audioPath == "" {
		log.Fatal("ASR 模式需要通过 -audio 指定 WAV 文件路径")
	}

	data, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}
	info, err := utils.ParseWAV(data)
	if err != nil {
		log.Fatalf("解析 WAV 失败: %v", err)
	}
	if info.Channels != 1 || info.BitsPerSample != 16 {
		log.Fatalf("仅支持 16-bit 单声道 WAV，当前 %d 声道 %d bit", info.Channels, info.BitsPerSample)
	}
	pcm := data[info.DataOffset : info.DataOffset+info.DataLength]

	log.Printf("开始进行 ASR 测试: session=%s rate=%d language=%s bytes=%d", sessionID, info.SampleRate, locale, len(pcm))

	stream, err := recognizer.OpenStream(ctx, transcription.StreamConfig{
		SessionID:    sessionID,
		UtteranceSeq: 1,
		Locale:       locale,
		SampleRateHz: info.SampleRate,
	})
	if err != nil {
		log.Fatalf("ASR 连接失败: %v", err)
	}
	defer stream.Close()

	started := time.Now()
	sendErr := make(chan error, 1)
	go func() {
		size := client.ChunkBytes(info.SampleRate, chunk)
		for off := 0; off < len(pcm); off += size {
			end := min(off+size, len(pcm))
			if err := stream.Send(pcm[off:end]); err != nil {
				sendErr <- err
				return
			}
			// 按实时速率发送，模拟麦克风
			time.Sleep(chunk)
		}
		sendErr <- stream.CloseSend()
	}()

	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("ASR 调用失败: %v", err)
		}
		if res.IsFinal {
			log.Printf("ASR 识别成功: text=%q confidence=%.2f elapsed=%s", res.Text, res.Confidence, time.Since(started).Round(time.Millisecond))
			break
		}
		log.Printf("ASR partial: %q", res.Text)
	}

	if err := <-sendErr; err != nil {
		log.Printf("[WARN] 音频发送失败: %v", err)
	}
}

func runTTS(ctx context.Context, synthesizer synthesis.Synthesizer, sessionID, text, voice, locale string, sampleRateHz int, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.wav", time.Now().Unix())
	}

	log.Printf("开始进行 TTS 测试: session=%s voice=%q language=%s rate=%d", sessionID, voice, locale, sampleRateHz)

	started := time.Now()
	pcm, err := synthesizer.Synthesize(ctx, synthesis.Request{
		SessionID:    sessionID,
		Text:         text,
		Locale:       locale,
		VoiceID:      voice,
		SampleRateHz: sampleRateHz,
	})
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}

	if err := os.WriteFile(outputPath, utils.PCMToWAV(pcm, sampleRateHz, 1), 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	seconds := float64(len(pcm)) / float64(sampleRateHz*2)
	log.Printf("TTS 合成成功: file=%s bytes=%d audio=%.2fs elapsed=%s", outputPath, len(pcm), seconds, time.Since(started).Round(time.Millisecond))
}
