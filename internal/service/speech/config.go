package speech

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultASRURL        = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"
	defaultTTSURL        = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"
	defaultASRResourceID = "volc.bigasr.sauc.duration"
)

// Config 火山引擎语音服务配置
type Config struct {
	AppID       string
	AccessToken string
	APIKey      string // 兼容旧配置，AccessToken 为空时使用

	ASRURL        string
	ASRResourceID string // volc.bigasr.sauc.duration（小时版）或 volc.bigasr.sauc.concurrent
	TTSURL        string
	TTSVoice      string
	TTSSpeed      float32
	TTSVolume     float32

	Timeout      time.Duration // 握手与单次读写超时
	DialAttempts int
	DialBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ASRURL == "" {
		c.ASRURL = defaultASRURL
	}
	if c.ASRResourceID == "" {
		c.ASRResourceID = defaultASRResourceID
	}
	if c.TTSURL == "" {
		c.TTSURL = defaultTTSURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 2
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = time.Second
	}
	return c
}

// Enabled 是否提供了必需的凭证。
func (c Config) Enabled() bool {
	_, _, err := c.credentials()
	return err == nil
}

// credentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func (c Config) credentials() (string, string, error) {
	appID := strings.TrimSpace(c.AppID)
	token := strings.TrimSpace(c.AccessToken)
	if token == "" {
		token = strings.TrimSpace(c.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return appID, token, nil
}
