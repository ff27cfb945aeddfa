package genai_sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"duochat/internal/chat"
	"duochat/internal/providers"
)

const DefaultModel = "gemini-1.5-pro"

type Config struct {
	// BaseURL may carry an API version suffix such as /v1beta.
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	client *genai.Client
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		root, version := splitVersion(base)
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: root, APIVersion: version}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{client: client}, nil
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	model := strings.TrimPrefix(strings.TrimSpace(req.Model), "models/")
	if model == "" {
		model = DefaultModel
	}
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), nil)
	if err != nil {
		return providers.ChatResponse{}, mapError(err)
	}
	text := firstPartText(resp)
	if strings.TrimSpace(text) == "" {
		return providers.ChatResponse{}, providers.ErrEmptyResponse
	}
	return providers.ChatResponse{Text: text}, nil
}

func firstPartText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 || content.Parts[0] == nil {
		return ""
	}
	return content.Parts[0].Text
}

func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewStatusError(chat.SourceGemini, apiErr.Code, []byte(apiErr.Message))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return providers.NewStatusError(chat.SourceGemini, apiErrPtr.Code, []byte(apiErrPtr.Message))
	}
	return &providers.CallError{Source: chat.SourceGemini, Err: err}
}

func splitVersion(base string) (root, version string) {
	base = strings.TrimSuffix(base, "/")
	idx := strings.LastIndex(base, "/")
	if idx < 0 {
		return base + "/", ""
	}
	last := base[idx+1:]
	if strings.HasPrefix(last, "v1") {
		return base[:idx+1], last
	}
	return base + "/", ""
}
