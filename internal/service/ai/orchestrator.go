package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/voice-chatter/backend/internal/model/voice"
)

const maxGenerateAttempts = 2

// Orchestrator 调用生成服务并校验结果：每次调用有超时，超时或服务错误时原样重试一次。
type Orchestrator struct {
	generator Generator
	timeout   time.Duration
}

// NewOrchestrator 创建回复编排器。
func NewOrchestrator(generator Generator, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Orchestrator{generator: generator, timeout: timeout}
}

// Generate 为 utteranceSeq 生成回复。空回复视为 GenerationError 且不重试。
func (o *Orchestrator) Generate(ctx context.Context, prompt voice.PersonaPrompt, utteranceSeq uint64) (voice.GeneratedReply, error) {
	var lastErr error
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		text, err := o.attempt(ctx, prompt)
		if err == nil {
			cleaned := cleanText(text)
			if cleaned == "" {
				log.Printf("[ai] empty reply utterance=%d", utteranceSeq)
				return voice.GeneratedReply{}, voice.NewError(voice.KindGeneration, "generator returned an empty reply", nil)
			}
			return voice.GeneratedReply{Text: cleaned, UtteranceSeq: utteranceSeq}, nil
		}

		if ctx.Err() != nil {
			return voice.GeneratedReply{}, ctx.Err()
		}
		lastErr = err
		log.Printf("[ai] generate attempt %d/%d failed utterance=%d: %v", attempt, maxGenerateAttempts, utteranceSeq, err)
	}

	message := "generation failed"
	if errors.Is(lastErr, context.DeadlineExceeded) {
		message = "generation timed out"
	}
	return voice.GeneratedReply{}, voice.NewError(voice.KindGeneration, message, lastErr)
}

type generateResult struct {
	text string
	err  error
}

// attempt 单次调用。生成服务不响应取消时，结果在后台完成后被丢弃。
func (o *Orchestrator) attempt(ctx context.Context, prompt voice.PersonaPrompt) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resultCh := make(chan generateResult, 1)
	go func() {
		text, err := o.generator.Generate(attemptCtx, prompt.SystemInstruction, prompt.UserUtterance, prompt.ResponseDirective)
		resultCh <- generateResult{text: text, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.text, res.err
	case <-attemptCtx.Done():
		return "", fmt.Errorf("generator did not respond within %s: %w", o.timeout, attemptCtx.Err())
	}
}

// cleanText 去掉 Markdown 标记并合并为一个段落，便于直接朗读。
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")

	lines := strings.Split(text, "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#>-*"))
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}
