package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"duochat/internal/auth"
)

func newTestStore() *Store {
	s := NewStore(NewMemoryBackend())
	clock := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return s
}

func TestStoreRequiresUser(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if _, err := s.CreateSession(ctx); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("create session: expected ErrAuthRequired, got %v", err)
	}
	if err := s.AppendTurn(ctx, "s1", "q", "a", "b", ""); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("append turn: expected ErrAuthRequired, got %v", err)
	}
	if _, err := s.ListTurns(ctx, "s1"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("list turns: expected ErrAuthRequired, got %v", err)
	}
	if err := s.RenameSession(ctx, "s1", "x"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("rename: expected ErrAuthRequired, got %v", err)
	}
	if _, err := s.ListSessions(ctx); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("list sessions: expected ErrAuthRequired, got %v", err)
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	s := newTestStore()
	ctx := auth.WithUser(context.Background(), "u1")

	id, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].Title != DefaultTitle {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	if err := s.AppendTurn(ctx, id, "first", "o1", "g1", SourceOpenAI); err != nil {
		t.Fatalf("append #1: %v", err)
	}
	if err := s.AppendTurn(ctx, id, "second", "o2", "g2", SourceGemini); err != nil {
		t.Fatalf("append #2: %v", err)
	}

	turns, err := s.ListTurns(ctx, id)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Question != "first" || turns[1].Question != "second" {
		t.Fatalf("expected ascending turns, got %+v", turns)
	}
	for _, turn := range turns {
		if len(turn.Responses) != 2 {
			t.Fatalf("expected two responses, got %+v", turn.Responses)
		}
		preferred := 0
		for _, r := range turn.Responses {
			if r.Preferred {
				preferred++
			}
		}
		if preferred != 1 {
			t.Fatalf("expected exactly one preferred response, got %d", preferred)
		}
	}

	latest, found, err := s.LatestTurn(ctx, id)
	if err != nil || !found {
		t.Fatalf("latest turn: found=%v err=%v", found, err)
	}
	if src, _ := latest.PreferredSource(); src != SourceGemini {
		t.Fatalf("expected gemini preferred, got %q", src)
	}

	if err := s.RenameSession(ctx, id, "   "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	sessions, _ = s.ListSessions(ctx)
	if sessions[0].Title != DefaultTitle {
		t.Fatalf("blank title should fall back to default, got %q", sessions[0].Title)
	}
}

func TestStoreIsolatesUsers(t *testing.T) {
	s := newTestStore()
	alice := auth.WithUser(context.Background(), "alice")
	bob := auth.WithUser(context.Background(), "bob")

	id, err := s.CreateSession(alice)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.ListTurns(bob, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign session, got %v", err)
	}
	sessions, _ := s.ListSessions(bob)
	if len(sessions) != 0 {
		t.Fatalf("bob should not see alice sessions: %+v", sessions)
	}
}

func TestLatestTurnEmptySession(t *testing.T) {
	s := newTestStore()
	ctx := auth.WithUser(context.Background(), "u1")
	id, _ := s.CreateSession(ctx)

	_, found, err := s.LatestTurn(ctx, id)
	if err != nil {
		t.Fatalf("latest turn: %v", err)
	}
	if found {
		t.Fatalf("expected no turn in new session")
	}
}

func TestTruncateTitle(t *testing.T) {
	if got := TruncateTitle("short"); got != "short" {
		t.Fatalf("unexpected title %q", got)
	}
	long := strings.Repeat("é", 55)
	if got := TruncateTitle(long); len([]rune(got)) != TitleMaxRunes {
		t.Fatalf("expected %d runes, got %d", TitleMaxRunes, len([]rune(got)))
	}
}

func TestParseSource(t *testing.T) {
	if s, err := ParseSource(" Gemini "); err != nil || s != SourceGemini {
		t.Fatalf("parse gemini: %q %v", s, err)
	}
	if _, err := ParseSource("claude"); err == nil {
		t.Fatalf("expected error for unknown source")
	}
	if SourceOpenAI.NoReply() != "❓ No OpenAI reply." {
		t.Fatalf("unexpected placeholder %q", SourceOpenAI.NoReply())
	}
}
