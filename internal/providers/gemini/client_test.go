package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"duochat/internal/providers"
)

func TestChatSendsKeyAsQueryParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-pro:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "g-key" {
			t.Errorf("unexpected key %q", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("gemini must not send bearer auth")
		}
		raw, _ := io.ReadAll(r.Body)
		var req generateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "What is recursion?" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Recursion is a process..."},{"text":"ignored"}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1beta", APIKey: "g-key"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Prompt: "What is recursion?"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "Recursion is a process..." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestChatNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Prompt: "hi"})
	var se *providers.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected status error, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest || len(se.Body) != 4<<10 {
		t.Fatalf("unexpected status error code=%d body=%d", se.StatusCode, len(se.Body))
	}
}

func TestParseGenerateContentEmpty(t *testing.T) {
	for _, body := range []string{`{}`, `{"candidates":[]}`, `{"candidates":[{"content":{"parts":[]}}]}`} {
		if _, err := parseGenerateContent([]byte(body)); !errors.Is(err, providers.ErrEmptyResponse) {
			t.Fatalf("body %s: expected ErrEmptyResponse, got %v", body, err)
		}
	}
}

func TestRedactKey(t *testing.T) {
	err := redactKey(errors.New(`Post "https://x/?key=secret": dial tcp`), "secret")
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("key leaked: %v", err)
	}
}
