package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
	name string
}

func (m *mockClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CompletionResponse), args.Error(1)
}

func (m *mockClient) Name() string { return m.name }

func TestFallbackUsesSecondaryOnError(t *testing.T) {
	primary := &mockClient{name: "openai"}
	secondary := &mockClient{name: "anthropic"}
	req := &CompletionRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "hola"}}}

	primary.On("Complete", mock.Anything, req).Return(nil, errors.New("rate limited"))
	secondary.On("Complete", mock.Anything, req).Return(&CompletionResponse{Content: "¡Hola!"}, nil)

	resp, err := NewFallback(primary, secondary).Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "¡Hola!", resp.Content)
	primary.AssertExpectations(t)
	secondary.AssertExpectations(t)
}

func TestFallbackTreatsEmptyAnswerAsFailure(t *testing.T) {
	primary := &mockClient{name: "openai"}
	secondary := &mockClient{name: "anthropic"}
	req := &CompletionRequest{}

	primary.On("Complete", mock.Anything, req).Return(&CompletionResponse{Content: "  "}, nil)
	secondary.On("Complete", mock.Anything, req).Return(nil, errors.New("down"))

	_, err := NewFallback(primary, secondary).Complete(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty completion")
	assert.Contains(t, err.Error(), "down")
}

func TestNewFromKeysWithoutKeysAlwaysFails(t *testing.T) {
	c := NewFromKeys(Options{})

	_, err := c.Complete(context.Background(), &CompletionRequest{})
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, "none", c.Name())
}

func TestNewFromKeysOrdersDefaultFirst(t *testing.T) {
	c := NewFromKeys(Options{
		Default:         ProviderAnthropic,
		OpenAIAPIKey:    "sk-test",
		AnthropicAPIKey: "sk-ant-test",
	})

	assert.Equal(t, "anthropic>openai", c.Name())
}
