package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"duochat/internal/auth"
	"duochat/internal/chat"
	"duochat/internal/metrics"
	"duochat/internal/netcheck"
	"duochat/internal/providers"
)

const (
	msgOffline          = "No internet connection. Please try again."
	msgLoadHistory      = "❌ Failed to load history: "
	msgLoadSession      = "❌ Failed to load session: "
	msgStartSession     = "❌ Failed to start new session: "
	msgSaveFailed       = "❌ Save failed: "
	providerFailedInfix = " failed: "
)

type Caller interface {
	Call(ctx context.Context, src chat.Source, prompt string) (providers.Result, error)
}

// SessionStore is the user-scoped persistence surface; *chat.Store satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context) (string, error)
	AppendTurn(ctx context.Context, sessionID, question, openAIText, geminiText string, preferred chat.Source) error
	LatestTurn(ctx context.Context, sessionID string) (chat.Turn, bool, error)
	RenameSession(ctx context.Context, sessionID, title string) error
	ListSessions(ctx context.Context) ([]chat.Session, error)
}

type Config struct {
	// UserID, when set, is attached to every store call.
	UserID       string
	Gateway      Caller
	Store        SessionStore
	Reachability netcheck.Checker
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	st      State
	subs    map[int]chan State
	nextSub int
}

func New(cfg Config) *Orchestrator {
	if cfg.Reachability == nil {
		cfg.Reachability = netcheck.Static(true)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "orchestrator").Str("user_id", cfg.UserID).Logger(),
		st:     State{Phase: PhaseIdle, FirstMessage: true},
		subs:   make(map[int]chan State),
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.clone()
}

// Subscribe delivers a snapshot after every mutation. Sends never block: a
// full channel drops that snapshot, and the reader can always fall back to
// State.
func (o *Orchestrator) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (o *Orchestrator) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// mutate applies fn under the lock and publishes the resulting snapshot.
func (o *Orchestrator) mutate(fn func(st *State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.st)
	o.st.Version++
	snap := o.st.clone()
	for _, ch := range o.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (o *Orchestrator) scope(ctx context.Context) context.Context {
	if o.cfg.UserID == "" {
		return ctx
	}
	return auth.WithUser(ctx, o.cfg.UserID)
}

func (o *Orchestrator) setError(msg string) {
	o.mutate(func(st *State) { st.ErrorMessage = ptr(msg) })
}

type callOutcome struct {
	text *string
	err  error
}

// SendMessage asks both providers the same question. The calls run
// concurrently and a failure of one never affects the other. Provider
// failures land in the error slot; the returned error is only non-nil when
// the exchange could not start at all.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	if !o.cfg.Reachability.Reachable(ctx) {
		o.setError(msgOffline)
		return netcheck.ErrOffline
	}

	o.mutate(func(st *State) {
		st.Loading = true
		st.Phase = PhaseLoading
		st.ErrorMessage = nil
		st.ProviderErrors = nil
	})

	var (
		outcomes [2]callOutcome
		wg       sync.WaitGroup
	)
	for i, src := range chat.Sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.callProvider(ctx, src, text)
		}()
	}
	wg.Wait()

	var (
		sessionID   string
		renameTitle bool
		phase       Phase
	)
	o.mutate(func(st *State) {
		st.Loading = false
		st.Question = ptr(text)
		st.OpenAIText = outcomes[0].text
		st.GeminiText = outcomes[1].text
		st.Phase = PhaseResolved
		// fixed assignment order: the gemini message wins the single slot
		for i, src := range chat.Sources {
			if outcomes[i].err == nil {
				continue
			}
			msg := src.DisplayName() + providerFailedInfix + outcomes[i].err.Error()
			if st.ProviderErrors == nil {
				st.ProviderErrors = make(map[chat.Source]string, 2)
			}
			st.ProviderErrors[src] = msg
			st.ErrorMessage = ptr(msg)
			st.Phase = PhasePartiallyFailed
		}
		if st.FirstMessage {
			if st.SessionID != nil {
				sessionID = *st.SessionID
				renameTitle = true
			}
			st.FirstMessage = false
		}
		phase = st.Phase
	})
	o.cfg.Metrics.Exchanges.WithLabelValues(string(phase)).Inc()

	if renameTitle {
		title := chat.TruncateTitle(text)
		if err := o.cfg.Store.RenameSession(o.scope(ctx), sessionID, title); err != nil {
			o.logger.Error().Err(err).Str("session_id", sessionID).Msg("rename session failed")
		}
	}
	return nil
}

func (o *Orchestrator) callProvider(ctx context.Context, src chat.Source, prompt string) callOutcome {
	res, err := o.cfg.Gateway.Call(ctx, src, prompt)
	switch {
	case errors.Is(err, providers.ErrEmptyResponse):
		return callOutcome{text: ptr(src.NoReply())}
	case err != nil:
		return callOutcome{err: err}
	case res.Text == "":
		return callOutcome{text: ptr(src.NoReply())}
	default:
		return callOutcome{text: ptr(res.Text)}
	}
}

// MarkPreferred flags the preferred answer of the in-memory turn.
func (o *Orchestrator) MarkPreferred(src chat.Source) {
	o.mutate(func(st *State) { st.Preferred = ptr(src) })
}

// PersistTurn appends the current exchange to the session. It is a silent
// no-op returning (false, nil) unless the question, both texts and a session
// id are all present. An empty preferred falls back to the marked source.
func (o *Orchestrator) PersistTurn(ctx context.Context, preferred chat.Source) (bool, error) {
	st := o.State()
	if st.Question == nil || st.OpenAIText == nil || st.GeminiText == nil || st.SessionID == nil {
		return false, nil
	}
	if preferred == "" && st.Preferred != nil {
		preferred = *st.Preferred
	}

	err := o.cfg.Store.AppendTurn(o.scope(ctx), *st.SessionID, *st.Question, *st.OpenAIText, *st.GeminiText, preferred)
	if err != nil {
		o.cfg.Metrics.PersistFailures.Inc()
		o.logger.Error().Err(err).Str("session_id", *st.SessionID).Msg("persist turn failed")
		o.setError(msgSaveFailed + err.Error())
		return false, err
	}
	o.cfg.Metrics.TurnsPersisted.Inc()
	return true, nil
}

func (o *Orchestrator) StartNewSession(ctx context.Context) (string, error) {
	id, err := o.cfg.Store.CreateSession(o.scope(ctx))
	if err != nil {
		o.logger.Error().Err(err).Msg("start new session failed")
		o.setError(msgStartSession + err.Error())
		return "", err
	}
	o.mutate(func(st *State) {
		st.SessionID = ptr(id)
		st.FirstMessage = true
		st.Preferred = nil
		resetResponses(st)
	})
	return id, nil
}

// LoadSession resumes a stored session from its latest turn only.
func (o *Orchestrator) LoadSession(ctx context.Context, sessionID string) error {
	o.mutate(func(st *State) {
		st.SessionID = ptr(sessionID)
		st.FirstMessage = false
	})

	turn, found, err := o.cfg.Store.LatestTurn(o.scope(ctx), sessionID)
	if err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Msg("load session failed")
		o.setError(msgLoadSession + err.Error())
		return err
	}

	o.mutate(func(st *State) {
		st.Preferred = nil
		resetResponses(st)
		if !found {
			st.Question = nil
			return
		}
		st.Question = ptr(turn.Question)
		for _, r := range turn.Responses {
			switch r.Source {
			case chat.SourceOpenAI:
				st.OpenAIText = ptr(r.Text)
			case chat.SourceGemini:
				st.GeminiText = ptr(r.Text)
			}
			if r.Preferred {
				st.Preferred = ptr(r.Source)
			}
		}
		st.Phase = PhaseResolved
	})
	return nil
}

// ListSessions refreshes the sessions list in state, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]chat.Session, error) {
	sessions, err := o.cfg.Store.ListSessions(o.scope(ctx))
	if err != nil {
		o.logger.Error().Err(err).Msg("list sessions failed")
		o.setError(msgLoadHistory + err.Error())
		return nil, err
	}
	o.mutate(func(st *State) { st.Sessions = sessions })
	return sessions, nil
}

// ResetResponses clears both texts and the error message.
func (o *Orchestrator) ResetResponses() {
	o.mutate(resetResponses)
}

func resetResponses(st *State) {
	st.OpenAIText = nil
	st.GeminiText = nil
	st.ErrorMessage = nil
	st.ProviderErrors = nil
	st.Phase = PhaseIdle
}

func (o *Orchestrator) ClearError() {
	o.mutate(func(st *State) {
		st.ErrorMessage = nil
		st.ProviderErrors = nil
	})
}

// PublishExchange records one autonomous loop round.
func (o *Orchestrator) PublishExchange(openAIText, geminiText string) {
	o.mutate(func(st *State) {
		st.OpenAIText = ptr(openAIText)
		st.GeminiText = ptr(geminiText)
		st.LoopRound++
	})
}

func (o *Orchestrator) SetLoopRunning(running bool, startedAt time.Time) {
	o.mutate(func(st *State) {
		st.LoopRunning = running
		st.LoopStartedAt = startedAt
		if running {
			st.LoopRound = 0
		}
	})
}

func (o *Orchestrator) ReportError(msg string) {
	o.setError(msg)
}
