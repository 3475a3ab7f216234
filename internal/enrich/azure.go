package enrich

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rotisserie/eris"

	"github.com/medprep/qbank-admin/internal/resilience"
)

// AzureConfig locates an Azure OpenAI chat deployment.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
	MaxTokens  int64
}

// AzureCompleter calls an Azure OpenAI chat completions deployment.
type AzureCompleter struct {
	client     openai.Client
	deployment string
	maxTokens  int64
}

// NewAzureCompleter builds a completer. SDK retries are disabled; the job
// processor owns the retry policy.
func NewAzureCompleter(cfg AzureConfig, opts ...option.RequestOption) (*AzureCompleter, error) {
	switch {
	case cfg.Endpoint == "":
		return nil, eris.New("azure: endpoint is required")
	case cfg.APIKey == "":
		return nil, eris.New("azure: api key is required")
	case cfg.Deployment == "":
		return nil, eris.New("azure: deployment is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-06-01"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	all := append([]option.RequestOption{
		azure.WithEndpoint(cfg.Endpoint, cfg.APIVersion),
		azure.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}, opts...)

	return &AzureCompleter{
		client:     openai.NewClient(all...),
		deployment: cfg.Deployment,
		maxTokens:  cfg.MaxTokens,
	}, nil
}

// Name implements Completer.
func (c *AzureCompleter) Name() string { return "azure" }

// Complete implements Completer.
func (c *AzureCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.deployment),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(p.User),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(c.maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", resilience.FromStatus(eris.Wrap(err, "azure: chat completion"), apiErr.StatusCode)
		}
		return "", err
	}

	if len(completion.Choices) == 0 {
		return "", resilience.NewPermanentError(eris.New("azure: no completion choices returned"), 0)
	}
	choice := completion.Choices[0]
	if choice.FinishReason == "length" {
		return "", resilience.NewPermanentError(eris.Errorf("azure: reply truncated at %d tokens", c.maxTokens), 0)
	}
	if choice.Message.Content == "" {
		return "", resilience.NewPermanentError(eris.New("azure: empty reply"), 0)
	}
	return choice.Message.Content, nil
}
