package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"duochat/internal/auth"
	"duochat/internal/loop"
	"duochat/internal/metrics"
	"duochat/internal/netcheck"
	"duochat/internal/orchestrator"
	"duochat/internal/queue"
	"duochat/internal/telegram"
)

// Sender delivers bot messages; *gotgbot.Bot satisfies it.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

type Worker struct {
	sender        Sender
	queue         *queue.StreamQueue
	hub           *orchestrator.Hub
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Sender        Sender
	Queue         *queue.StreamQueue
	Hub           *orchestrator.Hub
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		sender:        cfg.Sender,
		queue:         cfg.Queue,
		hub:           cfg.Hub,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	w.logger.Info().Str("consumer", w.queue.Consumer()).Int("concurrency", concurrency).Msg("consuming jobs")

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle runs one job and settles it: ack on success, re-enqueue while
// attempts remain, otherwise tell the user and ack.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Str("kind", string(msg.Job.Kind)).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	_ = w.send(ctx, msg.Job.ChatID, msg.Job.MessageID, "Could not deliver the answer. Please try again later.", nil)
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob returns an error only for delivery failures. Provider and store
// failures are already part of the orchestrator state that gets rendered.
func (w *Worker) processJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.JobLoop:
		return w.runLoop(ctx, job)
	default:
		return w.ask(ctx, job)
	}
}

func (w *Worker) ask(ctx context.Context, job queue.Job) error {
	ctx = auth.WithUser(ctx, job.UserID)
	orch := w.hub.For(job.UserID)

	// Bot users always work inside a session so /save has somewhere to go.
	if orch.State().SessionID == nil {
		if _, err := orch.StartNewSession(ctx); err != nil {
			w.logger.Warn().Err(err).Str("user_id", job.UserID).Msg("auto session failed")
		}
	}

	if err := orch.SendMessage(ctx, job.Prompt); err != nil {
		if errors.Is(err, netcheck.ErrOffline) {
			return w.send(ctx, job.ChatID, job.MessageID, "⚠️ "+stateError(orch.State(), err), nil)
		}
		return w.send(ctx, job.ChatID, job.MessageID, "❌ "+err.Error(), nil)
	}
	return w.send(ctx, job.ChatID, job.MessageID, telegram.FormatExchange(orch.State()), telegram.AnswerKeyboard())
}

// runLoop starts the user's loop and posts every round until it ends.
func (w *Worker) runLoop(ctx context.Context, job queue.Job) error {
	orch := w.hub.For(job.UserID)
	updates, unsubscribe := orch.Subscribe(32)
	defer unsubscribe()

	driver := w.hub.Loop(job.UserID)
	if err := w.hub.StartLoop(job.UserID, job.Prompt); err != nil {
		switch {
		case errors.Is(err, loop.ErrAlreadyRunning):
			return w.send(ctx, job.ChatID, job.MessageID, "Loop already running. Use /stop to end it.", nil)
		default:
			return w.send(ctx, job.ChatID, job.MessageID, "⚠️ "+stateError(orch.State(), err), nil)
		}
	}
	done := driver.Done()
	_ = w.send(ctx, job.ChatID, job.MessageID, "🔁 Loop started. Use /stop to end it early.", nil)

	posted := 0
	post := func(st orchestrator.State) {
		if st.LoopRound <= posted {
			return
		}
		posted = st.LoopRound
		if err := w.send(ctx, job.ChatID, 0, telegram.FormatLoopRound(st), nil); err != nil {
			w.logger.Warn().Err(err).Str("user_id", job.UserID).Int("round", st.LoopRound).Msg("failed to post loop round")
		}
	}

	for running := true; running; {
		select {
		case st := <-updates:
			post(st)
		case <-done:
			running = false
		case <-ctx.Done():
			// Shutdown: the hub stops the loop itself.
			return nil
		}
	}

	// Rounds published right before the loop ended may still be buffered.
	for drained := false; !drained; {
		select {
		case st := <-updates:
			post(st)
		default:
			drained = true
		}
	}
	final := orch.State()
	post(final)

	summary := fmt.Sprintf("⏹ Loop finished after %d round(s) (%s).", posted, driver.LastReason())
	if final.ErrorMessage != nil {
		summary += "\n" + *final.ErrorMessage
	}
	// A retry would start the loop again, so late delivery failures are only logged.
	if err := w.send(ctx, job.ChatID, 0, summary, nil); err != nil {
		w.logger.Warn().Err(err).Str("user_id", job.UserID).Msg("failed to post loop summary")
	}
	return nil
}

func (w *Worker) send(ctx context.Context, chatID, replyTo int64, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo}
	}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	if _, err := w.sender.SendMessageWithContext(ctx, chatID, text, opts); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func stateError(st orchestrator.State, err error) string {
	if st.ErrorMessage != nil {
		return *st.ErrorMessage
	}
	return err.Error()
}
