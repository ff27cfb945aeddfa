package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"duochat/internal/chat"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	tgID := ctx.CallbackQuery.From.Id
	cctx, cancel := s.commandContext(tgID)
	defer cancel()
	out := s.doCallback(cctx, tgID, strings.TrimSpace(ctx.CallbackQuery.Data))
	s.answerCallback(b, ctx, out.notice, out.alert)
	if out.refresh {
		return s.refreshAnswer(ctx, b, tgID)
	}
	return nil
}

type callbackResult struct {
	notice  string
	alert   bool
	refresh bool
}

func (s *Service) doCallback(ctx context.Context, telegramID int64, data string) callbackResult {
	switch {
	case strings.HasPrefix(data, cbPrefer):
		src, err := chat.ParseSource(strings.TrimPrefix(data, cbPrefer))
		if err != nil {
			return callbackResult{notice: "Unknown provider.", alert: true}
		}
		s.hub.For(UserID(telegramID)).MarkPreferred(src)
		return callbackResult{notice: "⭐ Preferred: " + src.DisplayName(), refresh: true}

	case strings.HasPrefix(data, cbSave):
		src, err := chat.ParseSource(strings.TrimPrefix(data, cbSave))
		if err != nil {
			return callbackResult{notice: "Unknown provider.", alert: true}
		}
		notice := s.doSave(ctx, telegramID, src)
		return callbackResult{notice: notice, alert: !strings.HasPrefix(notice, "💾")}

	default:
		return callbackResult{notice: "Unknown action: " + data, alert: true}
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

// refreshAnswer redraws the answer message so the preferred marker shows.
func (s *Service) refreshAnswer(ctx *ext.Context, b *gotgbot.Bot, telegramID int64) error {
	msg := ctx.CallbackQuery.Message
	if msg == nil {
		return nil
	}
	text := FormatExchange(s.hub.For(UserID(telegramID)).State())
	_, _, err := msg.EditText(b, text, &gotgbot.EditMessageTextOpts{ReplyMarkup: *AnswerKeyboard()})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return err
	}
	return nil
}
