package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"google.golang.org/genai"
)

// GeminiGenerator 通过 Gemini（或 Vertex AI）生成回复。
type GeminiGenerator struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// GeminiOptions 创建 Gemini 客户端所需参数。
type GeminiOptions struct {
	APIKey      string
	Model       string
	Project     string
	Location    string
	Temperature *float32
	MaxTokens   int32
}

// NewGeminiGenerator 创建 Gemini 生成器。未提供 APIKey 但提供了 Project 时使用 Vertex AI。
func NewGeminiGenerator(ctx context.Context, opts GeminiOptions) (*GeminiGenerator, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	clientCfg := &genai.ClientConfig{APIKey: opts.APIKey}
	if opts.APIKey == "" {
		if opts.Project == "" {
			return nil, fmt.Errorf("gemini requires GEMINI_API_KEY or GCP_PROJECT_ID")
		}
		clientCfg.Backend = genai.BackendVertexAI
		clientCfg.Project = opts.Project
		clientCfg.Location = opts.Location
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}

	cfg := &genai.GenerateContentConfig{Temperature: opts.Temperature}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = opts.MaxTokens
	}

	return &GeminiGenerator{client: client, model: opts.Model, config: cfg}, nil
}

// Generate 发送一次 GenerateContent 请求。被安全策略拦截时返回空文本。
func (g *GeminiGenerator) Generate(ctx context.Context, systemInstruction, userText, outputDirective string) (string, error) {
	cfg := *g.config
	cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(systemInstruction)}}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				genai.NewPartFromText(userText),
				genai.NewPartFromText(outputDirective),
			},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &cfg)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		log.Printf("[ai] gemini returned no candidates model=%s", g.model)
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
