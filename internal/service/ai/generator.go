package ai

import "context"

// Generator 外部文本生成服务，单次请求/响应，不保留会话状态。
type Generator interface {
	Generate(ctx context.Context, systemInstruction, userText, outputDirective string) (string, error)
}
