package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFailedProviderRendersPlaceholder(t *testing.T) {
	gw := newFakeGateway(failWith(errors.New("boom")), answer("Recursion is a process..."))
	o := newTestOrchestrator(gw, &fakeStore{})

	if err := o.SendMessage(context.Background(), "What is recursion?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	st := o.State()
	if st.OpenAIText != nil {
		t.Fatalf("failed slot must stay empty, got %q", *st.OpenAIText)
	}
	if st.OpenAIDisplay != "❓ No OpenAI reply." || st.GeminiDisplay != "Recursion is a process..." {
		t.Fatalf("unexpected display texts %q / %q", st.OpenAIDisplay, st.GeminiDisplay)
	}

	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"openai_display":"❓ No OpenAI reply."`) {
		t.Fatalf("placeholder missing from json: %s", raw)
	}
}

func TestDisplayEmptyBeforeFirstExchange(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(answer("a"), answer("b")), &fakeStore{})
	st := o.State()
	if st.OpenAIDisplay != "" || st.GeminiDisplay != "" {
		t.Fatalf("no exchange yet, got %q / %q", st.OpenAIDisplay, st.GeminiDisplay)
	}

	o.PublishExchange("loop a", "loop b")
	st = o.State()
	if st.OpenAIDisplay != "loop a" || st.GeminiDisplay != "loop b" {
		t.Fatalf("loop rounds must render, got %q / %q", st.OpenAIDisplay, st.GeminiDisplay)
	}
}
