package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"duochat/internal/chat"
	"duochat/internal/orchestrator"
)

const (
	cbPrefix = "dc:"

	cbPrefer = cbPrefix + "prefer:"
	cbSave   = cbPrefix + "save:"

	// Telegram rejects messages over 4096 characters; each answer gets a
	// share that leaves room for the question and headers.
	maxAnswerRunes   = 1800
	maxQuestionRunes = 300
)

func helpText() string {
	return strings.Join([]string{
		"duochat asks OpenAI and Gemini the same question side by side.",
		"",
		"Commands:",
		"/ask <text> - ask both providers (plain text in private chat works too)",
		"/prefer openai|gemini - mark the better answer",
		"/save - save the current turn to the session",
		"/new - start a new session",
		"/history - list your sessions",
		"/open <session_id> - resume a session",
		"/loop <prompt> - let the providers talk to each other",
		"/stop - stop the running loop",
		"/status - show the current state",
		"/cancel - drop a pending prompt",
	}, "\n")
}

// FormatExchange renders the current answers of both providers.
func FormatExchange(st orchestrator.State) string {
	var b strings.Builder
	if st.Question != nil {
		fmt.Fprintf(&b, "❓ %s\n\n", truncateRunes(*st.Question, maxQuestionRunes))
	}
	for i, src := range chat.Sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		marker := ""
		if st.Preferred != nil && *st.Preferred == src {
			marker = " ⭐"
		}
		fmt.Fprintf(&b, "%s %s%s:\n%s", sourceIcon(src), src.DisplayName(), marker, truncateRunes(st.DisplayText(src), maxAnswerRunes))
	}
	if st.ErrorMessage != nil {
		fmt.Fprintf(&b, "\n\n⚠️ %s", *st.ErrorMessage)
	}
	return b.String()
}

// FormatLoopRound renders one autonomous loop exchange.
func FormatLoopRound(st orchestrator.State) string {
	return fmt.Sprintf("🔁 Round %d\n\n%s OpenAI:\n%s\n\n%s Gemini:\n%s",
		st.LoopRound,
		sourceIcon(chat.SourceOpenAI), truncateRunes(st.DisplayText(chat.SourceOpenAI), maxAnswerRunes),
		sourceIcon(chat.SourceGemini), truncateRunes(st.DisplayText(chat.SourceGemini), maxAnswerRunes),
	)
}

// AnswerKeyboard offers prefer and save actions for each provider.
func AnswerKeyboard() *gotgbot.InlineKeyboardMarkup {
	var prefer, save []gotgbot.InlineKeyboardButton
	for _, src := range chat.Sources {
		prefer = append(prefer, gotgbot.InlineKeyboardButton{Text: "👍 " + src.DisplayName(), CallbackData: cbPrefer + string(src)})
		save = append(save, gotgbot.InlineKeyboardButton{Text: "💾 Save " + src.DisplayName(), CallbackData: cbSave + string(src)})
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{prefer, save}}
}

func statusText(st orchestrator.State, loopRunning bool) string {
	session := "<none>"
	if st.SessionID != nil {
		session = *st.SessionID
	}
	preferred := "<none>"
	if st.Preferred != nil {
		preferred = st.Preferred.DisplayName()
	}
	lines := []string{
		"Status",
		fmt.Sprintf("session: %s", session),
		fmt.Sprintf("phase: %s", st.Phase),
		fmt.Sprintf("preferred: %s", preferred),
		fmt.Sprintf("loading: %t", st.Loading),
	}
	if loopRunning {
		lines = append(lines, fmt.Sprintf("loop: running since %s (round %d)", st.LoopStartedAt.UTC().Format("15:04:05 UTC"), st.LoopRound))
	} else {
		lines = append(lines, "loop: idle")
	}
	if st.ErrorMessage != nil {
		lines = append(lines, "error: "+*st.ErrorMessage)
	}
	return strings.Join(lines, "\n")
}

func historyText(sessions []chat.Session, current *string) string {
	if len(sessions) == 0 {
		return "No sessions yet. Use /new to start one."
	}
	lines := []string{"Sessions:"}
	for _, s := range sessions {
		line := fmt.Sprintf("- %s %s (%s)", s.ID, s.Title, time.UnixMilli(s.CreatedAt).UTC().Format("2006-01-02 15:04"))
		if current != nil && *current == s.ID {
			line += " [current]"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Resume with /open <session_id>")
	return strings.Join(lines, "\n")
}

func sourceIcon(src chat.Source) string {
	if src == chat.SourceGemini {
		return "✨"
	}
	return "🤖"
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
