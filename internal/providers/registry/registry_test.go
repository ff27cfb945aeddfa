package registry

import (
	"context"
	"testing"

	"duochat/internal/chat"
	"duochat/internal/providers/gemini"
	"duochat/internal/providers/openai_compat"
	"duochat/internal/providers/openai_sdk"
)

func TestKindFor(t *testing.T) {
	cases := []struct {
		src       chat.Source
		transport string
		want      string
	}{
		{chat.SourceOpenAI, "", KindOpenAICompat},
		{chat.SourceOpenAI, "SDK", KindOpenAISDK},
		{chat.SourceGemini, "http", KindGemini},
		{chat.SourceGemini, "sdk", KindGenAISDK},
	}
	for _, tc := range cases {
		got, err := KindFor(tc.src, tc.transport)
		if err != nil {
			t.Fatalf("KindFor(%s,%s): %v", tc.src, tc.transport, err)
		}
		if got != tc.want {
			t.Fatalf("KindFor(%s,%s) = %s, want %s", tc.src, tc.transport, got, tc.want)
		}
	}
	if _, err := KindFor(chat.SourceOpenAI, "grpc"); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()

	b, err := Build(ctx, BuildOptions{Kind: KindOpenAICompat, APIKey: "k", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("build openai_compat: %v", err)
	}
	if _, ok := b.Provider.(*openai_compat.Client); !ok || b.Model != "gpt-4o" {
		t.Fatalf("unexpected binding %#v", b)
	}

	b, err = Build(ctx, BuildOptions{Kind: KindOpenAISDK, APIKey: "k"})
	if err != nil {
		t.Fatalf("build openai_sdk: %v", err)
	}
	if _, ok := b.Provider.(*openai_sdk.Client); !ok {
		t.Fatalf("unexpected provider %T", b.Provider)
	}

	b, err = Build(ctx, BuildOptions{Kind: KindGemini, APIKey: "k"})
	if err != nil {
		t.Fatalf("build gemini: %v", err)
	}
	if _, ok := b.Provider.(*gemini.Client); !ok {
		t.Fatalf("unexpected provider %T", b.Provider)
	}

	if _, err := Build(ctx, BuildOptions{Kind: "custom_http"}); err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
}
