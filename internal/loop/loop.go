package loop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"duochat/internal/chat"
	"duochat/internal/metrics"
	"duochat/internal/netcheck"
	"duochat/internal/providers"
)

const (
	DefaultBudget = 30 * time.Second
	DefaultPace   = time.Second

	msgOffline   = "Cannot start AI loop: No internet connection."
	msgRateLimit = "AI loop stopped: Rate limit reached."
	msgTimeout   = "AI loop stopped: Timeout occurred."
	msgFailed    = "❌ AI loop failed: "
)

var ErrAlreadyRunning = errors.New("loop already running")

type Reason string

const (
	ReasonBudget   Reason = "budget"
	ReasonStopped  Reason = "stopped"
	ReasonFailed   Reason = "failed"
	ReasonCanceled Reason = "canceled"
)

type Caller interface {
	Call(ctx context.Context, src chat.Source, prompt string) (providers.Result, error)
}

// Publisher receives loop progress; the orchestrator implements it.
type Publisher interface {
	PublishExchange(openAIText, geminiText string)
	SetLoopRunning(running bool, startedAt time.Time)
	ReportError(msg string)
}

type Config struct {
	Gateway      Caller
	Publisher    Publisher
	Reachability netcheck.Checker
	Budget       time.Duration
	Pace         time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Driver runs the autonomous OpenAI to Gemini feedback loop. One run at a
// time per driver.
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
	reason   Reason
}

func New(cfg Config) *Driver {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Pace < 0 {
		cfg.Pace = 0
	}
	if cfg.Reachability == nil {
		cfg.Reachability = netcheck.Static(true)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	done := make(chan struct{})
	close(done)
	return &Driver{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "loop").Logger(),
		done:   done,
	}
}

// Start launches a run and returns at once. ctx bounds the whole run and
// every provider call in it, so it should outlive the caller's request.
func (d *Driver) Start(ctx context.Context, prompt string) error {
	if d.Running() {
		return ErrAlreadyRunning
	}
	if !d.cfg.Reachability.Reachable(ctx) {
		d.cfg.Publisher.ReportError(msgOffline)
		return netcheck.ErrOffline
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	d.running = true
	d.stop = stop
	d.stopOnce = &sync.Once{}
	d.done = done
	d.reason = ""
	d.mu.Unlock()

	startedAt := d.cfg.Now()
	d.cfg.Publisher.SetLoopRunning(true, startedAt)
	d.logger.Info().Dur("budget", d.cfg.Budget).Msg("loop started")

	go d.run(ctx, prompt, stop, done)
	return nil
}

// Stop asks the current run to end at its next suspension point. An
// in-flight provider call is allowed to finish.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	stop := d.stop
	d.stopOnce.Do(func() { close(stop) })
}

func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Done is closed when the current (or last) run has finished.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// LastReason reports why the last run ended; empty while running.
func (d *Driver) LastReason() Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

func (d *Driver) run(ctx context.Context, prompt string, stop <-chan struct{}, done chan struct{}) {
	deadline, cancel := context.WithTimeout(ctx, d.cfg.Budget)
	defer cancel()

	reason := d.iterate(ctx, deadline, stop, prompt)

	d.mu.Lock()
	d.running = false
	d.reason = reason
	d.mu.Unlock()

	d.cfg.Metrics.LoopTerminations.WithLabelValues(string(reason)).Inc()
	d.logger.Info().Str("reason", string(reason)).Msg("loop finished")
	d.cfg.Publisher.SetLoopRunning(false, time.Time{})
	close(done)
}

func (d *Driver) iterate(ctx, deadline context.Context, stop <-chan struct{}, current string) Reason {
	for {
		if r, ok := d.halted(ctx, deadline, stop); ok {
			return r
		}

		openAIText, err := d.call(ctx, chat.SourceOpenAI, current)
		if err != nil {
			return d.fail(ctx, err)
		}
		if !d.pause(deadline, stop) {
			r, _ := d.halted(ctx, deadline, stop)
			return r
		}
		geminiText, err := d.call(ctx, chat.SourceGemini, openAIText)
		if err != nil {
			return d.fail(ctx, err)
		}

		d.cfg.Publisher.PublishExchange(openAIText, geminiText)
		d.cfg.Metrics.LoopIterations.Inc()
		current = geminiText

		if !d.pause(deadline, stop) {
			r, _ := d.halted(ctx, deadline, stop)
			return r
		}
	}
}

func (d *Driver) halted(ctx, deadline context.Context, stop <-chan struct{}) (Reason, bool) {
	select {
	case <-stop:
		return ReasonStopped, true
	default:
	}
	if ctx.Err() != nil {
		return ReasonCanceled, true
	}
	if deadline.Err() != nil {
		return ReasonBudget, true
	}
	return "", false
}

// call uses the run context rather than the deadline so that a call in
// flight when the budget runs out still completes.
func (d *Driver) call(ctx context.Context, src chat.Source, prompt string) (string, error) {
	res, err := d.cfg.Gateway.Call(ctx, src, prompt)
	if errors.Is(err, providers.ErrEmptyResponse) || (err == nil && res.Text == "") {
		return src.NoReply(), nil
	}
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (d *Driver) pause(deadline context.Context, stop <-chan struct{}) bool {
	if d.cfg.Pace == 0 {
		return deadline.Err() == nil
	}
	t := time.NewTimer(d.cfg.Pace)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-deadline.Done():
		return false
	}
}

func (d *Driver) fail(ctx context.Context, err error) Reason {
	if ctx.Err() != nil {
		return ReasonCanceled
	}
	d.logger.Warn().Err(err).Msg("loop call failed")
	d.cfg.Publisher.ReportError(Classify(err))
	return ReasonFailed
}

// Classify renders a loop-ending failure for display.
func Classify(err error) string {
	msg := err.Error()
	switch {
	case providers.IsRateLimited(err) || strings.Contains(msg, "429"):
		return msgRateLimit
	case providers.IsTimeout(err) || strings.Contains(strings.ToLower(msg), "timeout"):
		return msgTimeout
	default:
		return msgFailed + msg
	}
}
