package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medprep/qbank-admin/internal/resilience"
	"github.com/medprep/qbank-admin/pkg/anthropic"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func textResponse(text, stop string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		StopReason: stop,
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestAnthropicCompleter_Complete(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 1024 &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "user text" &&
			req.Temperature != nil && *req.Temperature == 0
	})).Return(textResponse(`{"explanation":"x"}`, "end_turn"), nil).Once()

	c := NewAnthropicCompleter(client, "claude-haiku-4-5-20251001", 0)
	assert.Equal(t, "anthropic", c.Name())

	text, err := c.Complete(context.Background(), Prompt{System: "system text", User: "user text"})
	require.NoError(t, err)
	assert.Equal(t, `{"explanation":"x"}`, text)
	client.AssertExpectations(t)
}

func TestAnthropicCompleter_Truncated(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"explanation":"cut`, "max_tokens"), nil).Once()

	_, err := NewAnthropicCompleter(client, "m", 16).Complete(context.Background(), Prompt{})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestAnthropicCompleter_EmptyReply(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(&anthropic.MessageResponse{StopReason: "end_turn"}, nil).Once()

	_, err := NewAnthropicCompleter(client, "m", 0).Complete(context.Background(), Prompt{})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestAnthropicCompleter_UnclassifiedErrorPassesThrough(t *testing.T) {
	client := new(mockAnthropic)
	raw := errors.New("connection reset by peer")
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, raw).Once()

	_, err := NewAnthropicCompleter(client, "m", 0).Complete(context.Background(), Prompt{})
	assert.Same(t, raw, err)
}
