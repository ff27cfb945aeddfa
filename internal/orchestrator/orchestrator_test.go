package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"duochat/internal/chat"
	"duochat/internal/netcheck"
	"duochat/internal/providers"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls map[chat.Source]int
	reply map[chat.Source]func(prompt string) (string, error)
}

func newFakeGateway(openai, gemini func(string) (string, error)) *fakeGateway {
	return &fakeGateway{
		calls: make(map[chat.Source]int),
		reply: map[chat.Source]func(string) (string, error){
			chat.SourceOpenAI: openai,
			chat.SourceGemini: gemini,
		},
	}
}

func (g *fakeGateway) Call(_ context.Context, src chat.Source, prompt string) (providers.Result, error) {
	g.mu.Lock()
	g.calls[src]++
	fn := g.reply[src]
	g.mu.Unlock()

	text, err := fn(prompt)
	if err != nil {
		return providers.Result{Source: src}, err
	}
	return providers.Result{Source: src, Text: text}, nil
}

func (g *fakeGateway) count(src chat.Source) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[src]
}

func answer(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func failWith(err error) func(string) (string, error) {
	return func(string) (string, error) { return "", err }
}

type appendCall struct {
	sessionID, question, openAIText, geminiText string
	preferred                                   chat.Source
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int
	renames   []string
	appends   []appendCall
	latest    map[string]chat.Turn
	sessions  []chat.Session
	appendErr error
	createErr error
}

func (s *fakeStore) CreateSession(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	return "sess-" + string(rune('0'+s.nextID)), nil
}

func (s *fakeStore) AppendTurn(_ context.Context, sessionID, question, openAIText, geminiText string, preferred chat.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appends = append(s.appends, appendCall{sessionID, question, openAIText, geminiText, preferred})
	return nil
}

func (s *fakeStore) LatestTurn(_ context.Context, sessionID string) (chat.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.latest[sessionID]
	return t, ok, nil
}

func (s *fakeStore) RenameSession(_ context.Context, _ string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renames = append(s.renames, title)
	return nil
}

func (s *fakeStore) ListSessions(context.Context) ([]chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, nil
}

func newTestOrchestrator(gw Caller, store SessionStore) *Orchestrator {
	return New(Config{Gateway: gw, Store: store, Logger: zerolog.Nop()})
}

func TestSendMessageBothSucceed(t *testing.T) {
	gw := newFakeGateway(answer("Recursion is a method..."), answer("Recursion is a process..."))
	o := newTestOrchestrator(gw, &fakeStore{})

	if err := o.SendMessage(context.Background(), "What is recursion?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	st := o.State()
	if st.OpenAIText == nil || *st.OpenAIText != "Recursion is a method..." {
		t.Fatalf("unexpected openai text %v", st.OpenAIText)
	}
	if st.GeminiText == nil || *st.GeminiText != "Recursion is a process..." {
		t.Fatalf("unexpected gemini text %v", st.GeminiText)
	}
	if st.Loading || st.ErrorMessage != nil || st.Phase != PhaseResolved {
		t.Fatalf("unexpected state loading=%v err=%v phase=%s", st.Loading, st.ErrorMessage, st.Phase)
	}
	if st.Question == nil || *st.Question != "What is recursion?" {
		t.Fatalf("question not recorded: %v", st.Question)
	}
}

func TestSendMessageIsolatesProviderFailures(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name           string
		openai, gemini func(string) (string, error)
		wantOpenAI     bool
		wantGemini     bool
		wantError      string
	}{
		{"openai fails", failWith(boom), answer("g"), false, true, "OpenAI failed: boom"},
		{"gemini fails", answer("o"), failWith(boom), true, false, "Gemini failed: boom"},
		{"both fail", failWith(errors.New("first")), failWith(errors.New("second")), false, false, "Gemini failed: second"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := newFakeGateway(tc.openai, tc.gemini)
			o := newTestOrchestrator(gw, &fakeStore{})

			if err := o.SendMessage(context.Background(), "q"); err != nil {
				t.Fatalf("send: %v", err)
			}
			st := o.State()
			if (st.OpenAIText != nil) != tc.wantOpenAI || (st.GeminiText != nil) != tc.wantGemini {
				t.Fatalf("unexpected slots openai=%v gemini=%v", st.OpenAIText, st.GeminiText)
			}
			if st.ErrorMessage == nil || *st.ErrorMessage != tc.wantError {
				t.Fatalf("expected error %q, got %v", tc.wantError, st.ErrorMessage)
			}
			if st.Phase != PhasePartiallyFailed || st.Loading {
				t.Fatalf("unexpected phase %s loading=%v", st.Phase, st.Loading)
			}
			if gw.count(chat.SourceOpenAI) != 1 || gw.count(chat.SourceGemini) != 1 {
				t.Fatalf("each provider must be called exactly once")
			}
		})
	}
}

func TestSendMessageKeepsEveryProviderError(t *testing.T) {
	gw := newFakeGateway(failWith(errors.New("a")), failWith(errors.New("b")))
	o := newTestOrchestrator(gw, &fakeStore{})
	_ = o.SendMessage(context.Background(), "q")

	st := o.State()
	if len(st.ProviderErrors) != 2 {
		t.Fatalf("expected both provider errors, got %v", st.ProviderErrors)
	}
	if st.DisplayText(chat.SourceOpenAI) != "❓ No OpenAI reply." || st.DisplayText(chat.SourceGemini) != "❓ No Gemini reply." {
		t.Fatalf("unexpected placeholders %q %q", st.DisplayText(chat.SourceOpenAI), st.DisplayText(chat.SourceGemini))
	}
}

func TestSendMessageEmptyResponseUsesPlaceholder(t *testing.T) {
	gw := newFakeGateway(failWith(providers.ErrEmptyResponse), answer(""))
	o := newTestOrchestrator(gw, &fakeStore{})
	_ = o.SendMessage(context.Background(), "q")

	st := o.State()
	if st.ErrorMessage != nil {
		t.Fatalf("empty responses are not errors, got %q", *st.ErrorMessage)
	}
	if *st.OpenAIText != "❓ No OpenAI reply." || *st.GeminiText != "❓ No Gemini reply." {
		t.Fatalf("unexpected texts %q %q", *st.OpenAIText, *st.GeminiText)
	}
}

func TestSendMessageClearsPriorError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	gw := newFakeGateway(func(string) (string, error) {
		if fail.Load() {
			return "", errors.New("down")
		}
		return "ok", nil
	}, answer("g"))
	o := newTestOrchestrator(gw, &fakeStore{})

	_ = o.SendMessage(context.Background(), "q1")
	if o.State().ErrorMessage == nil {
		t.Fatalf("expected error after failing call")
	}
	fail.Store(false)
	_ = o.SendMessage(context.Background(), "q2")
	if st := o.State(); st.ErrorMessage != nil || st.ProviderErrors != nil {
		t.Fatalf("expected error cleared, got %v %v", st.ErrorMessage, st.ProviderErrors)
	}
}

func TestSendMessageOffline(t *testing.T) {
	gw := newFakeGateway(answer("o"), answer("g"))
	o := New(Config{Gateway: gw, Store: &fakeStore{}, Reachability: netcheck.Static(false), Logger: zerolog.Nop()})

	err := o.SendMessage(context.Background(), "q")
	if !errors.Is(err, netcheck.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	st := o.State()
	if st.ErrorMessage == nil || *st.ErrorMessage != "No internet connection. Please try again." {
		t.Fatalf("unexpected error message %v", st.ErrorMessage)
	}
	if st.Loading || st.Phase != PhaseIdle {
		t.Fatalf("offline send must stay idle, got phase=%s loading=%v", st.Phase, st.Loading)
	}
	if gw.count(chat.SourceOpenAI)+gw.count(chat.SourceGemini) != 0 {
		t.Fatalf("no provider should be called while offline")
	}
}

func TestTitleRenamedOncePerSession(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), store)
	ctx := context.Background()

	if _, err := o.StartNewSession(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	long := strings.Repeat("a", 50)
	_ = o.SendMessage(ctx, long)
	_ = o.SendMessage(ctx, "second question")

	if len(store.renames) != 1 {
		t.Fatalf("expected exactly one rename, got %v", store.renames)
	}
	if store.renames[0] != strings.Repeat("a", 40) {
		t.Fatalf("expected 40-char title, got %q", store.renames[0])
	}

	if _, err := o.StartNewSession(ctx); err != nil {
		t.Fatalf("start second session: %v", err)
	}
	_ = o.SendMessage(ctx, "fresh")
	if len(store.renames) != 2 || store.renames[1] != "fresh" {
		t.Fatalf("new session should rename again, got %v", store.renames)
	}
}

func TestTitleRenamedEvenWhenProvidersFail(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(newFakeGateway(failWith(errors.New("x")), failWith(errors.New("y"))), store)
	_, _ = o.StartNewSession(context.Background())
	_ = o.SendMessage(context.Background(), "hello")
	if len(store.renames) != 1 {
		t.Fatalf("expected rename after failed exchange, got %v", store.renames)
	}
}

func TestPersistTurnRequiresCompleteTurn(t *testing.T) {
	ctx := context.Background()

	// no session
	store := &fakeStore{}
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), store)
	_ = o.SendMessage(ctx, "q")
	if ok, err := o.PersistTurn(ctx, chat.SourceOpenAI); ok || err != nil {
		t.Fatalf("expected silent no-op without session, got ok=%v err=%v", ok, err)
	}

	// one provider missing
	store = &fakeStore{}
	o = newTestOrchestrator(newFakeGateway(answer("o"), failWith(errors.New("down"))), store)
	_, _ = o.StartNewSession(ctx)
	_ = o.SendMessage(ctx, "q")
	if ok, err := o.PersistTurn(ctx, chat.SourceOpenAI); ok || err != nil {
		t.Fatalf("expected silent no-op with missing text, got ok=%v err=%v", ok, err)
	}

	// no question yet
	store = &fakeStore{}
	o = newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), store)
	_, _ = o.StartNewSession(ctx)
	o.PublishExchange("o", "g")
	if ok, err := o.PersistTurn(ctx, chat.SourceOpenAI); ok || err != nil {
		t.Fatalf("expected silent no-op without question, got ok=%v err=%v", ok, err)
	}
	if len(store.appends) != 0 {
		t.Fatalf("store must not be touched, got %v", store.appends)
	}
	if o.State().ErrorMessage != nil {
		t.Fatalf("no-op must not set an error")
	}
}

func TestPersistTurnAppendsOnce(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), store)
	id, _ := o.StartNewSession(ctx)
	_ = o.SendMessage(ctx, "q")

	ok, err := o.PersistTurn(ctx, chat.SourceGemini)
	if !ok || err != nil {
		t.Fatalf("persist: ok=%v err=%v", ok, err)
	}
	want := appendCall{id, "q", "o", "g", chat.SourceGemini}
	if len(store.appends) != 1 || store.appends[0] != want {
		t.Fatalf("unexpected appends %+v", store.appends)
	}
}

func TestPersistTurnFallsBackToMarkedSource(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), store)
	_, _ = o.StartNewSession(ctx)
	_ = o.SendMessage(ctx, "q")
	o.MarkPreferred(chat.SourceOpenAI)

	if _, err := o.PersistTurn(ctx, ""); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if store.appends[0].preferred != chat.SourceOpenAI {
		t.Fatalf("expected marked source, got %q", store.appends[0].preferred)
	}
}

func TestPersistTurnFailureIsReported(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{appendErr: errors.New("quota")}
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), store)
	_, _ = o.StartNewSession(ctx)
	_ = o.SendMessage(ctx, "q")

	if _, err := o.PersistTurn(ctx, chat.SourceOpenAI); err == nil {
		t.Fatalf("expected error")
	}
	st := o.State()
	if st.ErrorMessage == nil || *st.ErrorMessage != "❌ Save failed: quota" {
		t.Fatalf("unexpected error message %v", st.ErrorMessage)
	}
	if st.OpenAIText == nil || st.GeminiText == nil || st.Question == nil {
		t.Fatalf("turn must stay in memory for retry")
	}
}

func TestMarkPreferredIdempotent(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), &fakeStore{})
	o.MarkPreferred(chat.SourceGemini)
	o.MarkPreferred(chat.SourceGemini)
	if p := o.State().Preferred; p == nil || *p != chat.SourceGemini {
		t.Fatalf("unexpected preferred %v", p)
	}
}

func TestStartNewSessionFailure(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), &fakeStore{createErr: errors.New("denied")})
	if _, err := o.StartNewSession(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	st := o.State()
	if st.ErrorMessage == nil || *st.ErrorMessage != "❌ Failed to start new session: denied" {
		t.Fatalf("unexpected error %v", st.ErrorMessage)
	}
	if st.SessionID != nil {
		t.Fatalf("session id must stay unset")
	}
}

func TestLoadSessionRehydratesLatestTurn(t *testing.T) {
	store := &fakeStore{latest: map[string]chat.Turn{
		"s9": chat.NewTurn("last question", "last openai", "last gemini", chat.SourceGemini, 50),
	}}
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), store)
	ctx := context.Background()

	if err := o.LoadSession(ctx, "s9"); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := o.State()
	if *st.SessionID != "s9" || *st.Question != "last question" || *st.OpenAIText != "last openai" || *st.GeminiText != "last gemini" {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Preferred == nil || *st.Preferred != chat.SourceGemini {
		t.Fatalf("unexpected preferred %v", st.Preferred)
	}
	if st.FirstMessage {
		t.Fatalf("loaded session must not rename on next send")
	}

	_ = o.SendMessage(ctx, "follow-up")
	if len(store.renames) != 0 {
		t.Fatalf("resumed session renamed: %v", store.renames)
	}
}

func TestLoadSessionWithoutTurns(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), &fakeStore{})
	ctx := context.Background()
	_ = o.SendMessage(ctx, "q")

	if err := o.LoadSession(ctx, "empty"); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := o.State()
	if st.OpenAIText != nil || st.GeminiText != nil || st.Question != nil {
		t.Fatalf("expected cleared responses, got %+v", st)
	}
	if *st.SessionID != "empty" {
		t.Fatalf("session id not switched")
	}
}

func TestResetAndClearError(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(answer("o"), failWith(errors.New("x"))), &fakeStore{})
	_ = o.SendMessage(context.Background(), "q")

	o.ClearError()
	if st := o.State(); st.ErrorMessage != nil || st.OpenAIText == nil {
		t.Fatalf("ClearError should only clear the error: %+v", st)
	}
	o.ReportError("again")
	o.ResetResponses()
	if st := o.State(); st.ErrorMessage != nil || st.OpenAIText != nil || st.GeminiText != nil {
		t.Fatalf("ResetResponses should clear texts and error: %+v", st)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), &fakeStore{})
	ch, cancel := o.Subscribe(16)
	defer cancel()

	_ = o.SendMessage(context.Background(), "q")

	var sawLoading, sawResolved bool
	timeout := time.After(time.Second)
	for !sawResolved {
		select {
		case st := <-ch:
			if st.Loading {
				sawLoading = true
			}
			if !st.Loading && st.Phase == PhaseResolved {
				sawResolved = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for resolved snapshot")
		}
	}
	if !sawLoading {
		t.Fatalf("expected a loading snapshot before resolution")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(answer("o"), answer("g")), &fakeStore{})
	_, cancel := o.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			o.MarkPreferred(chat.SourceOpenAI)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("mutations blocked on a full subscriber")
	}
	cancel()
	cancel()
	if v := o.State().Version; v != 20 {
		t.Fatalf("expected 20 mutations, got version %d", v)
	}
}

func TestProviderErrorMessageCarriesStatus(t *testing.T) {
	rate := providers.NewStatusError(chat.SourceOpenAI, http.StatusTooManyRequests, []byte("slow down"))
	o := newTestOrchestrator(newFakeGateway(failWith(rate), answer("g")), &fakeStore{})
	_ = o.SendMessage(context.Background(), "q")
	msg := o.State().ProviderErrors[chat.SourceOpenAI]
	if !strings.HasPrefix(msg, "OpenAI failed: ") || !strings.Contains(msg, "429") {
		t.Fatalf("unexpected message %q", msg)
	}
}
