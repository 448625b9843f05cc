package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-chatter/backend/internal/config"
	"github.com/zhouzirui/voice-chatter/backend/internal/handler"
	"github.com/zhouzirui/voice-chatter/backend/internal/model/persona"
	"github.com/zhouzirui/voice-chatter/backend/internal/observe"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/ai"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/session"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/speech"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/synthesis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	provider, err := observe.InitProvider()
	if err != nil {
		log.Fatalf("failed to initialize metrics: %v", err)
	}
	metrics, err := observe.NewMetrics(provider.MeterProvider())
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	p, err := loadPersona(cfg.Voice)
	if err != nil {
		log.Fatalf("failed to load persona: %v", err)
	}
	log.Printf("persona %s (%s) voice=%s", p.ID, p.Name, p.VoiceID)

	if !cfg.AI.Enabled() {
		log.Fatalf("%s 模型凭证未配置，无法生成回复", cfg.AI.Provider)
	}
	generator, err := cfg.AI.NewGenerator(ctx)
	if err != nil {
		log.Fatalf("failed to initialize %s generator: %v", cfg.AI.Provider, err)
	}
	log.Printf("AI generator initialized (provider=%s)", cfg.AI.Provider)

	if !cfg.Speech.Enabled() {
		log.Fatal("语音服务凭证未配置，请设置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
	}
	vendor := cfg.Speech.Vendor()
	recognizer := speech.NewVolcengineRecognizer(vendor)
	synthesizer := speech.NewVolcengineSynthesizer(vendor)

	locale := p.Locale
	if locale == "" {
		locale = cfg.Voice.Locale
	}
	speaker := synthesis.NewDispatcher(synthesizer, synthesis.Config{
		Locale:       locale,
		VoiceID:      p.VoiceID,
		SampleRateHz: cfg.Voice.SampleRateHz,
		SpeakingRate: p.SpeakingRate,
		ChunkBytes:   cfg.Voice.OutputChunkBytes,
		Timeout:      cfg.Voice.SynthesisTimeout,
	})

	manager := session.NewManager(cfg.Server.APIToken, session.Config{
		Locale:            locale,
		SampleRateHz:      cfg.Voice.SampleRateHz,
		QueueSize:         cfg.Voice.QueueSize,
		InputIdleTimeout:  cfg.Voice.InputIdleTimeout,
		TranscriptTimeout: cfg.Voice.TranscriptTimeout,
		DeliveryTimeout:   cfg.Voice.DeliveryTimeout,
	}, nil, session.Dependencies{
		Recognizer: recognizer,
		Responder:  ai.NewOrchestrator(generator, cfg.Voice.GenerationTimeout),
		Speaker:    speaker,
		Persona:    p,
		Metrics:    metrics,
	})

	router := handler.NewRouter(manager, provider.Handler())

	startServer(ctx, cfg.Server, router, func(shutdownCtx context.Context) {
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Printf("warning: session shutdown incomplete: %v", err)
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("warning: metrics shutdown failed: %v", err)
		}
	})
}

// loadPersona 优先读取 PERSONA_FILE，否则使用内置人设。
func loadPersona(cfg config.VoiceConfig) (persona.Persona, error) {
	var store persona.Store = persona.NewMemoryStore(persona.Seed())
	if cfg.PersonaFile != "" {
		fileStore, err := persona.LoadFile(cfg.PersonaFile)
		if err != nil {
			return persona.Persona{}, err
		}
		store = fileStore
	}
	return persona.Resolve(store, cfg.PersonaID)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, onShutdown func(context.Context)) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("voice chatter backend listening on %s", addr)
	if err := runServer(ctx, srv, onShutdown); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, onShutdown func(context.Context)) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// 先关闭会话，hijack 后的 websocket 连接不受 srv.Shutdown 管理
		onShutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
