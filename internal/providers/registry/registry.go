package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"duochat/internal/chat"
	"duochat/internal/providers"
	"duochat/internal/providers/gemini"
	"duochat/internal/providers/genai_sdk"
	"duochat/internal/providers/openai_compat"
	"duochat/internal/providers/openai_sdk"
)

const (
	KindOpenAICompat = "openai_compat"
	KindOpenAISDK    = "openai_sdk"
	KindGemini       = "gemini"
	KindGenAISDK     = "genai_sdk"
)

type BuildOptions struct {
	Kind       string
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func Build(ctx context.Context, opts BuildOptions) (providers.Binding, error) {
	var (
		p   providers.Provider
		err error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case KindOpenAICompat, "openai-compatible", "openai":
		p = openai_compat.New(openai_compat.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		})
	case KindOpenAISDK:
		p = openai_sdk.New(openai_sdk.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		})
	case KindGemini:
		p = gemini.New(gemini.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		})
	case KindGenAISDK:
		p, err = genai_sdk.New(ctx, genai_sdk.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			return providers.Binding{}, err
		}
	default:
		return providers.Binding{}, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
	return providers.Binding{Provider: p, Model: opts.Model}, nil
}

// KindFor maps a transport name (http or sdk) to the provider kind serving src.
func KindFor(src chat.Source, transport string) (string, error) {
	sdk := false
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "", "http":
	case "sdk":
		sdk = true
	default:
		return "", fmt.Errorf("unsupported provider transport %q", transport)
	}
	switch src {
	case chat.SourceOpenAI:
		if sdk {
			return KindOpenAISDK, nil
		}
		return KindOpenAICompat, nil
	case chat.SourceGemini:
		if sdk {
			return KindGenAISDK, nil
		}
		return KindGemini, nil
	default:
		return "", fmt.Errorf("unknown source %q", src)
	}
}
