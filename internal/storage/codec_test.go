package storage

import (
	"errors"
	"testing"

	"duochat/internal/chat"
	"duochat/internal/crypto"
)

func TestDecodeTurnRejectsUnknownVersion(t *testing.T) {
	_, err := DecodeTurn([]byte(`{"v":2,"question":"q","ts":1,"responses":[]}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := DecodeTurn([]byte(`{"question":"q"}`)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("missing version should be rejected, got %v", err)
	}
}

func TestDecodeTurnRejectsUnknownSource(t *testing.T) {
	_, err := DecodeTurn([]byte(`{"v":1,"question":"q","ts":1,"responses":[{"source":"claude","text":"x"}]}`))
	if err == nil {
		t.Fatalf("expected error for unknown source")
	}
}

func TestEncodeTurnShape(t *testing.T) {
	raw, err := EncodeTurn(chat.NewTurn("q", "o", "g", chat.SourceGemini, 42))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"v":1,"question":"q","ts":42,"responses":[{"source":"openai","text":"o","preferred":false},{"source":"gemini","text":"g","preferred":true}]}`
	if string(raw) != want {
		t.Fatalf("unexpected document\n got: %s\nwant: %s", raw, want)
	}
}

func TestCodecReadsPlaintextAfterSealingEnabled(t *testing.T) {
	plain, _ := EncodeTurn(chat.NewTurn("q", "o", "g", "", 1))

	m, _ := crypto.NewManager("k", map[string][]byte{"k": make([]byte, 32)})
	turn, err := NewCodec(m).Decode("u", "s", plain)
	if err != nil {
		t.Fatalf("decode plaintext with sealer: %v", err)
	}
	if _, ok := turn.PreferredSource(); ok {
		t.Fatalf("no response should be preferred")
	}

	sealed, err := NewCodec(m).Encode("u", "s", turn)
	if err != nil {
		t.Fatalf("encode sealed: %v", err)
	}
	if _, err := NewCodec(nil).Decode("u", "s", sealed); err == nil {
		t.Fatalf("expected error reading sealed doc without key")
	}
	if _, err := NewCodec(m).Decode("u", "other", sealed); err == nil {
		t.Fatalf("expected error reading sealed doc under another session")
	}
}
