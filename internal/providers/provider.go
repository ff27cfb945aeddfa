package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"duochat/internal/chat"
)

// ErrEmptyResponse is returned when a vendor answered 2xx without any text.
var ErrEmptyResponse = errors.New("empty provider response")

type ChatRequest struct {
	Model  string
	Prompt string
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

const maxErrorBody = 4 << 10

// StatusError reports a non-2xx vendor response.
type StatusError struct {
	Source     chat.Source
	StatusCode int
	Body       string
}

func NewStatusError(src chat.Source, code int, body []byte) *StatusError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{Source: src, StatusCode: code, Body: string(body)}
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Source, e.StatusCode, e.Body)
}

// CallError wraps a transport failure.
type CallError struct {
	Source chat.Source
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: request failed: %v", e.Source, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && (se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusGatewayTimeout)
}
