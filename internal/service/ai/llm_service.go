package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// ChainGenerator runs the persona prompt through an eino chat chain (Ark in production).
type ChainGenerator struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewChainGenerator compiles the prompt template and chat model into a chain.
func NewChainGenerator(ctx context.Context, chatModel model.BaseChatModel) (*ChainGenerator, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}\n{directive}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ChainGenerator{chain: runnable}, nil
}

// Generate invokes the chain once and returns the raw reply text.
func (g *ChainGenerator) Generate(ctx context.Context, systemInstruction, userText, outputDirective string) (string, error) {
	input := map[string]any{
		"system":    systemInstruction,
		"query":     userText,
		"directive": outputDirective,
	}

	response, err := g.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", nil
	}
	return response.Content, nil
}
