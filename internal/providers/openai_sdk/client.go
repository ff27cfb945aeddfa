package openai_sdk

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"duochat/internal/chat"
	"duochat/internal/providers"
)

const DefaultModel = "gpt-3.5-turbo"

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client calls chat completions through the official SDK. SDK retries are
// disabled; the gateway contract is a single attempt.
type Client struct {
	api openai.Client
}

func New(cfg Config) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Client{api: openai.NewClient(opts...)}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(req.Prompt)},
	})
	if err != nil {
		return providers.ChatResponse{}, mapError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return providers.ChatResponse{}, providers.ErrEmptyResponse
	}
	return providers.ChatResponse{Text: resp.Choices[0].Message.Content}, nil
}

func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return providers.NewStatusError(chat.SourceOpenAI, apiErr.StatusCode, []byte(apiErr.Message))
	}
	return &providers.CallError{Source: chat.SourceOpenAI, Err: err}
}
