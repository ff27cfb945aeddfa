package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"duochat/internal/chat"
	"duochat/internal/metrics"
)

// Binding attaches a provider to the model it should be asked for.
type Binding struct {
	Provider Provider
	Model    string
}

type Result struct {
	Source  chat.Source
	Text    string
	Latency time.Duration
}

// Gateway dispatches prompts to the provider bound to each source. It never
// retries and never caches.
type Gateway struct {
	bindings map[chat.Source]Binding
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewGateway(bindings map[chat.Source]Binding, logger zerolog.Logger) *Gateway {
	cp := make(map[chat.Source]Binding, len(bindings))
	for k, v := range bindings {
		cp[k] = v
	}
	return &Gateway{
		bindings: cp,
		logger:   logger.With().Str("component", "gateway").Logger(),
		metrics:  metrics.Global(),
	}
}

func (g *Gateway) Call(ctx context.Context, src chat.Source, prompt string) (Result, error) {
	b, ok := g.bindings[src]
	if !ok || b.Provider == nil {
		return Result{}, fmt.Errorf("no provider bound for source %q", src)
	}

	started := time.Now()
	resp, err := b.Provider.Chat(ctx, ChatRequest{Model: b.Model, Prompt: prompt})
	latency := time.Since(started)

	g.metrics.ProviderLatency.WithLabelValues(string(src)).Observe(latency.Seconds())
	if err != nil {
		g.metrics.ProviderCalls.WithLabelValues(string(src), outcomeOf(err)).Inc()
		g.logger.Warn().Err(err).Str("source", string(src)).Dur("latency", latency).Msg("provider call failed")
		return Result{Source: src, Latency: latency}, err
	}
	g.metrics.ProviderCalls.WithLabelValues(string(src), "ok").Inc()
	g.logger.Debug().Str("source", string(src)).Dur("latency", latency).Int("chars", len(resp.Text)).Msg("provider call ok")
	return Result{Source: src, Text: resp.Text, Latency: latency}, nil
}

func outcomeOf(err error) string {
	switch {
	case IsRateLimited(err):
		return "rate_limited"
	case IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
