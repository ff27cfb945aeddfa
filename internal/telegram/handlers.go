package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"duochat/internal/chat"
	"duochat/internal/queue"
)

const msgQueueDown = "Queue is unavailable right now."

type reply struct {
	text   string
	markup *gotgbot.InlineKeyboardMarkup
}

func textReply(text string) reply { return reply{text: text} }

// request is the part of an update every command needs.
type request struct {
	chatID    int64
	chatType  string
	userID    int64
	messageID int64
	text      string
}

func requestFrom(ctx *ext.Context) (request, bool) {
	if ctx == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return request{}, false
	}
	req := request{
		chatID:   ctx.EffectiveChat.Id,
		chatType: ctx.EffectiveChat.Type,
		userID:   ctx.EffectiveUser.Id,
	}
	if msg := ctx.EffectiveMessage; msg != nil {
		req.messageID = msg.MessageId
		req.text = msg.GetText()
	}
	return req, true
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) newSession(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doNewSession)
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, func(c context.Context, req request) reply {
		return s.doSubmit(c, req, queue.JobAsk, commandRemainder(req.text))
	})
}

func (s *Service) loop(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, func(c context.Context, req request) reply {
		return s.doSubmit(c, req, queue.JobLoop, commandRemainder(req.text))
	})
}

func (s *Service) prefer(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doPrefer)
}

func (s *Service) save(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, func(c context.Context, req request) reply {
		return textReply(s.doSave(c, req.userID, ""))
	})
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doHistory)
}

func (s *Service) open(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doOpen)
}

func (s *Service) stop(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doStop)
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doStatus)
}

func (s *Service) cancelPending(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doCancel)
}

// privateText treats plain private messages as a pending prompt or an ask.
func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.run(b, ctx, s.doPrivateText)
}

func (s *Service) run(b *gotgbot.Bot, ctx *ext.Context, fn func(context.Context, request) reply) error {
	req, ok := requestFrom(ctx)
	if !ok {
		return nil
	}
	cctx, cancel := s.commandContext(req.userID)
	defer cancel()
	out := fn(cctx, req)
	if out.text == "" {
		return nil
	}
	return s.replyWithMarkup(ctx, b, out.text, out.markup)
}

func (s *Service) doNewSession(ctx context.Context, req request) reply {
	orch := s.hub.For(UserID(req.userID))
	id, err := orch.StartNewSession(ctx)
	if err != nil {
		return textReply(errorText(orch.State().ErrorMessage, err))
	}
	return textReply("🆕 New session " + id + ". Ask away.")
}

// doSubmit rate limits and enqueues an ask or loop job. Without a prompt in
// a private chat the next message becomes the prompt.
func (s *Service) doSubmit(ctx context.Context, req request, kind queue.JobKind, prompt string) reply {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		if req.chatType == "private" && s.pending != nil {
			if err := s.pending.Set(ctx, req.userID, pendingPrompt{Kind: kind, ChatID: req.chatID}); err != nil {
				s.logger.Error().Err(err).Int64("user_id", req.userID).Msg("failed to store pending prompt")
				return textReply(usage(kind))
			}
			if kind == queue.JobLoop {
				return textReply("Send the opening prompt for the loop, or /cancel.")
			}
			return textReply("Send your question, or /cancel.")
		}
		return textReply(usage(kind))
	}

	uid := UserID(req.userID)
	if kind == queue.JobLoop && s.hub.Loop(uid).Running() {
		return textReply("Loop already running. Use /stop to end it.")
	}
	if msg, ok := s.allowSend(ctx, uid); !ok {
		return textReply(msg)
	}

	job := queue.Job{
		Kind:      kind,
		ChatID:    req.chatID,
		UserID:    uid,
		MessageID: req.messageID,
		Prompt:    prompt,
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to enqueue job")
		return textReply(msgQueueDown)
	}
	s.metrics.EnqueuedJobs.Inc()
	if kind == queue.JobLoop {
		return textReply("🔁 Loop queued. Use /stop to end it early.")
	}
	return textReply("Accepted. Asking OpenAI and Gemini.")
}

func (s *Service) doPrivateText(ctx context.Context, req request) reply {
	text := strings.TrimSpace(req.text)
	if text == "" {
		return reply{}
	}
	kind := queue.JobAsk
	if s.pending != nil {
		p, err := s.pending.Take(ctx, req.userID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("user_id", req.userID).Msg("failed to read pending prompt")
		} else if p != nil {
			kind = p.Kind
		}
	}
	return s.doSubmit(ctx, req, kind, text)
}

func (s *Service) doCancel(ctx context.Context, req request) reply {
	if s.pending == nil {
		return textReply("Nothing to cancel.")
	}
	cleared, err := s.pending.Clear(ctx, req.userID)
	if err != nil {
		return textReply("Failed to cancel right now.")
	}
	if !cleared {
		return textReply("Nothing to cancel.")
	}
	return textReply("Canceled.")
}

func (s *Service) doPrefer(_ context.Context, req request) reply {
	arg := strings.TrimSpace(commandRemainder(req.text))
	src, err := chat.ParseSource(arg)
	if err != nil {
		return textReply("Usage: /prefer openai|gemini")
	}
	orch := s.hub.For(UserID(req.userID))
	orch.MarkPreferred(src)
	return textReply("⭐ Preferred: " + src.DisplayName() + ". Use /save to keep this turn.")
}

// doSave persists the current turn; an empty src uses the marked preference.
func (s *Service) doSave(ctx context.Context, telegramID int64, src chat.Source) string {
	orch := s.hub.For(UserID(telegramID))
	saved, err := orch.PersistTurn(ctx, src)
	switch {
	case err != nil:
		return errorText(orch.State().ErrorMessage, err)
	case !saved:
		return "Nothing to save yet. Ask something first."
	default:
		return "💾 Saved."
	}
}

func (s *Service) doHistory(ctx context.Context, req request) reply {
	orch := s.hub.For(UserID(req.userID))
	sessions, err := orch.ListSessions(ctx)
	if err != nil {
		return textReply(errorText(orch.State().ErrorMessage, err))
	}
	return textReply(historyText(sessions, orch.State().SessionID))
}

func (s *Service) doOpen(ctx context.Context, req request) reply {
	id := strings.TrimSpace(commandRemainder(req.text))
	if id == "" {
		return textReply("Usage: /open <session_id>")
	}
	orch := s.hub.For(UserID(req.userID))
	if err := orch.LoadSession(ctx, id); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return textReply("Session not found.")
		}
		return textReply(errorText(orch.State().ErrorMessage, err))
	}
	st := orch.State()
	if st.Question == nil {
		return textReply("📂 Opened " + id + ". No turns saved yet.")
	}
	return reply{text: "📂 Opened " + id + "\n\n" + FormatExchange(st), markup: AnswerKeyboard()}
}

func (s *Service) doStop(_ context.Context, req request) reply {
	d := s.hub.Loop(UserID(req.userID))
	if !d.Running() {
		return textReply("No loop is running.")
	}
	d.Stop()
	return textReply("⏹ Stopping the loop after the current step.")
}

func (s *Service) doStatus(_ context.Context, req request) reply {
	uid := UserID(req.userID)
	return textReply(statusText(s.hub.For(uid).State(), s.hub.Loop(uid).Running()))
}

// allowSend charges one submission against the user's hourly quota. A quota
// backend failure lets the send through.
func (s *Service) allowSend(ctx context.Context, userID string) (string, bool) {
	if s.quota == nil {
		return "", true
	}
	usage, err := s.quota.Consume(ctx, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("send quota failed")
		return "", true
	}
	if usage.Allowed {
		return "", true
	}
	return fmt.Sprintf("Hourly limit of %d sends reached. Try again after %s.", usage.Limit, usage.ResetAt.Format("15:04 UTC")), false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.replyWithMarkup(ctx, b, text, nil)
}

func usage(kind queue.JobKind) string {
	if kind == queue.JobLoop {
		return "Usage: /loop <prompt>"
	}
	return "Usage: /ask <text>"
}

// errorText prefers the message the orchestrator put in its error slot.
func errorText(slot *string, err error) string {
	if slot != nil && *slot != "" {
		return *slot
	}
	return "❌ " + err.Error()
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
