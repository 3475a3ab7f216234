package enrich

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/resilience"
	"github.com/medprep/qbank-admin/pkg/anthropic"
)

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       *zap.Logger
}

// NewAnthropicCompleter wraps client. maxTokens defaults to 1024.
func NewAnthropicCompleter(client anthropic.Client, model string, maxTokens int64) *AnthropicCompleter {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicCompleter{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		log:       zap.L().With(zap.String("component", "enrich.anthropic")),
	}
}

// Name implements Completer.
func (c *AnthropicCompleter) Name() string { return "anthropic" }

// Complete implements Completer.
func (c *AnthropicCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(p.System),
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: &temp,
	})
	if err != nil {
		if status := anthropic.StatusCode(err); status != 0 {
			return "", resilience.FromStatus(err, status)
		}
		return "", err
	}

	resp.Usage.LogCost(c.log, c.model)

	if resp.StopReason == "max_tokens" {
		return "", resilience.NewPermanentError(eris.Errorf("anthropic: reply truncated at %d tokens", c.maxTokens), 0)
	}
	text := resp.Text()
	if text == "" {
		return "", resilience.NewPermanentError(eris.New("anthropic: empty reply"), 0)
	}
	return text, nil
}
