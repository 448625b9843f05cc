package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/voice-chatter/backend/internal/service/ai"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Voice  VoiceConfig
	AI     AIConfig
	Speech SpeechConfig
}

// Load 从环境变量加载服务端配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	voice, err := loadVoiceConfig()
	if err != nil {
		return nil, err
	}

	aiCfg, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speechCfg, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Voice: voice, AI: aiCfg, Speech: speechCfg}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr     string
	APIToken string
}

// loadServerConfig 解析监听地址与访问令牌。
func loadServerConfig() (ServerConfig, error) {
	token := strings.TrimSpace(os.Getenv("API_TOKEN"))
	if token == "" {
		return ServerConfig{}, fmt.Errorf("API_TOKEN is required")
	}

	addr, err := parseAddr(os.Getenv("PORT"))
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{Addr: addr, APIToken: token}, nil
}

func parseAddr(raw string) (string, error) {
	port := strings.TrimSpace(raw)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// VoiceConfig 语音会话管线参数。
type VoiceConfig struct {
	Locale            string
	SampleRateHz      int
	QueueSize         int
	OutputChunkBytes  int
	InputIdleTimeout  time.Duration
	TranscriptTimeout time.Duration
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
	DeliveryTimeout   time.Duration
	PersonaFile       string
	PersonaID         string
}

func loadVoiceConfig() (VoiceConfig, error) {
	cfg := VoiceConfig{
		Locale:      getEnvOrDefault("VOICE_LOCALE", "ja-JP"),
		PersonaFile: getEnvOrDefault("PERSONA_FILE", ""),
		PersonaID:   getEnvOrDefault("PERSONA_ID", ""),
	}

	var err error
	if cfg.SampleRateHz, err = parseIntEnv("VOICE_SAMPLE_RATE", 16000); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.QueueSize, err = parseIntEnv("VOICE_QUEUE_SIZE", 32); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.OutputChunkBytes, err = parseIntEnv("VOICE_OUTPUT_CHUNK_BYTES", 3200); err != nil {
		return VoiceConfig{}, err
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"VOICE_INPUT_IDLE_TIMEOUT", 10 * time.Second, &cfg.InputIdleTimeout},
		{"VOICE_TRANSCRIPT_TIMEOUT", 10 * time.Second, &cfg.TranscriptTimeout},
		{"VOICE_GENERATION_TIMEOUT", 15 * time.Second, &cfg.GenerationTimeout},
		{"VOICE_SYNTHESIS_TIMEOUT", 20 * time.Second, &cfg.SynthesisTimeout},
		{"VOICE_DELIVERY_TIMEOUT", 10 * time.Second, &cfg.DeliveryTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = parseDurationEnv(d.key, d.def); err != nil {
			return VoiceConfig{}, err
		}
	}

	if cfg.SampleRateHz <= 0 {
		return VoiceConfig{}, fmt.Errorf("VOICE_SAMPLE_RATE must be positive")
	}
	return cfg, nil
}

// AIConfig 描述回复生成模型配置。Provider 为 ark 或 gemini。
type AIConfig struct {
	Provider    string
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	GeminiAPIKey string
	GeminiModel  string
	GCPProject   string
	GCPLocation  string
}

// Enabled 表示是否提供了所选提供方必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case "gemini":
		return c.GeminiModel != "" && (c.GeminiAPIKey != "" || c.GCPProject != "")
	default:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	}
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Model == "" || (c.APIKey == "" && (c.AccessKey == "" || c.SecretKey == "")) {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// NewGenerator 按 Provider 创建回复生成后端。
func (c AIConfig) NewGenerator(ctx context.Context) (ai.Generator, error) {
	if c.Provider == "gemini" {
		opts := ai.GeminiOptions{
			APIKey:   c.GeminiAPIKey,
			Model:    c.GeminiModel,
			Project:  c.GCPProject,
			Location: c.GCPLocation,
		}
		if c.Temperature != nil {
			val := float32(*c.Temperature)
			opts.Temperature = &val
		}
		if c.MaxTokens != nil {
			opts.MaxTokens = int32(*c.MaxTokens)
		}
		gen, err := ai.NewGeminiGenerator(ctx, opts)
		if err != nil {
			return nil, err
		}
		return gen, nil
	}

	chatModel, err := c.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	gen, err := ai.NewChainGenerator(ctx, chatModel)
	if err != nil {
		return nil, err
	}
	return gen, nil
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", "ark"))
	if provider != "ark" && provider != "gemini" {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q: want ark or gemini", provider)
	}

	return AIConfig{
		Provider:     provider,
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		GeminiAPIKey: strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:  getEnvOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		GCPProject:   strings.TrimSpace(os.Getenv("GCP_PROJECT_ID")),
		GCPLocation:  getEnvOrDefault("GCP_LOCATION", "asia-northeast1"),
	}, nil
}

// SpeechConfig 描述语音识别与合成服务配置。
type SpeechConfig struct {
	AppID         string
	AccessToken   string
	APIKey        string
	ASRResourceID string
	TTSVoice      string
	TTSSpeed      float32
	TTSVolume     float32
	Timeout       time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c SpeechConfig) Enabled() bool {
	return c.Vendor().Enabled()
}

// Vendor 转换为火山引擎客户端配置。
func (c SpeechConfig) Vendor() speech.Config {
	return speech.Config{
		AppID:         c.AppID,
		AccessToken:   c.AccessToken,
		APIKey:        c.APIKey,
		ASRResourceID: c.ASRResourceID,
		TTSVoice:      c.TTSVoice,
		TTSSpeed:      c.TTSSpeed,
		TTSVolume:     c.TTSVolume,
		Timeout:       c.Timeout,
	}
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseDurationEnv("SPEECH_TIMEOUT", 30*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	// 合成语速默认 1.1 倍
	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.1)
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = *volume
	}

	return SpeechConfig{
		AppID:         strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:   strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN")),
		APIKey:        strings.TrimSpace(os.Getenv("SPEECH_API_KEY")),
		ASRResourceID: getEnvOrDefault("SPEECH_ASR_RESOURCE_ID", ""),
		TTSVoice:      getEnvOrDefault("SPEECH_TTS_VOICE", "multi_female_shuangkuaisisi_moon_bigtts"),
		TTSSpeed:      ttsSpeed,
		TTSVolume:     ttsVolume,
		Timeout:       timeout,
	}, nil
}

// ClientConfig 设备端客户端配置。
type ClientConfig struct {
	BackendURL        string
	APIToken          string
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	ChunkDuration     time.Duration
	SampleRateHz      int
	OutputDir         string
}

// LoadClient 从环境变量加载客户端配置。
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		BackendURL: getEnvOrDefault("BACKEND_WS_URL", "ws://localhost:8080/ws/voice"),
		APIToken:   strings.TrimSpace(os.Getenv("API_TOKEN")),
		OutputDir:  getEnvOrDefault("CLIENT_OUTPUT_DIR", ""),
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("API_TOKEN is required")
	}

	var err error
	if cfg.ReconnectAttempts, err = parseIntEnv("CLIENT_RECONNECT_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.ReconnectBackoff, err = parseDurationEnv("CLIENT_RECONNECT_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	chunkMS, err := parseIntEnv("CLIENT_CHUNK_MS", 100)
	if err != nil {
		return nil, err
	}
	if chunkMS <= 0 {
		return nil, fmt.Errorf("CLIENT_CHUNK_MS must be positive")
	}
	cfg.ChunkDuration = time.Duration(chunkMS) * time.Millisecond
	if cfg.SampleRateHz, err = parseIntEnv("CLIENT_SAMPLE_RATE", 16000); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

// parseDurationEnv 接受 "15s" 这类时长或纯数字秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	var val time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		val = time.Duration(secs) * time.Second
	} else if val, err = time.ParseDuration(raw); err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
