package orchestrator

import (
	"maps"
	"slices"
	"time"

	"duochat/internal/chat"
)

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseLoading         Phase = "loading"
	PhaseResolved        Phase = "resolved"
	PhasePartiallyFailed Phase = "partially_failed"
)

// State is an immutable snapshot of the orchestrator. Nil pointers mean the
// value is absent.
type State struct {
	Version        uint64                 `json:"version"`
	Phase          Phase                  `json:"phase"`
	Question       *string                `json:"question"`
	OpenAIText     *string                `json:"openai_text"`
	GeminiText     *string                `json:"gemini_text"`
	// OpenAIDisplay and GeminiDisplay carry the rendered answers, with the
	// "no reply" placeholder for a missing text, once an exchange exists.
	OpenAIDisplay  string                 `json:"openai_display,omitempty"`
	GeminiDisplay  string                 `json:"gemini_display,omitempty"`
	Loading        bool                   `json:"loading"`
	ErrorMessage   *string                `json:"error_message"`
	ProviderErrors map[chat.Source]string `json:"provider_errors,omitempty"`
	SessionID      *string                `json:"session_id"`
	Preferred      *chat.Source           `json:"preferred"`
	Sessions       []chat.Session         `json:"sessions"`
	FirstMessage   bool                   `json:"first_message"`
	LoopRunning    bool                   `json:"loop_running"`
	LoopStartedAt  time.Time              `json:"loop_started_at"`
	// LoopRound counts exchanges published by the current loop run.
	LoopRound      int                    `json:"loop_round"`
}

// DisplayText returns the provider text or its "no reply" placeholder.
func (s State) DisplayText(src chat.Source) string {
	var p *string
	switch src {
	case chat.SourceOpenAI:
		p = s.OpenAIText
	case chat.SourceGemini:
		p = s.GeminiText
	}
	if p == nil {
		return src.NoReply()
	}
	return *p
}

func (s State) clone() State {
	out := s
	out.Question = clonePtr(s.Question)
	out.OpenAIText = clonePtr(s.OpenAIText)
	out.GeminiText = clonePtr(s.GeminiText)
	out.ErrorMessage = clonePtr(s.ErrorMessage)
	out.SessionID = clonePtr(s.SessionID)
	out.Preferred = clonePtr(s.Preferred)
	out.ProviderErrors = maps.Clone(s.ProviderErrors)
	out.Sessions = slices.Clone(s.Sessions)
	out.OpenAIDisplay, out.GeminiDisplay = "", ""
	if s.Question != nil || s.OpenAIText != nil || s.GeminiText != nil {
		out.OpenAIDisplay = s.DisplayText(chat.SourceOpenAI)
		out.GeminiDisplay = s.DisplayText(chat.SourceGemini)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }
