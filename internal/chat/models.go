package chat

import (
	"fmt"
	"strings"
)

type Source string

const (
	SourceOpenAI Source = "openai"
	SourceGemini Source = "gemini"
)

// Sources lists providers in the order their responses are stored in a Turn.
var Sources = []Source{SourceOpenAI, SourceGemini}

func (s Source) Valid() bool {
	return s == SourceOpenAI || s == SourceGemini
}

func (s Source) DisplayName() string {
	switch s {
	case SourceOpenAI:
		return "OpenAI"
	case SourceGemini:
		return "Gemini"
	default:
		return string(s)
	}
}

// NoReply is the placeholder shown instead of an absent provider answer.
func (s Source) NoReply() string {
	return "❓ No " + s.DisplayName() + " reply."
}

func ParseSource(v string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", v)
	}
	return s, nil
}

const (
	DefaultTitle  = "Untitled"
	TitleMaxRunes = 40
)

type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"timestamp"`
}

type Response struct {
	Source    Source `json:"source"`
	Text      string `json:"text"`
	Preferred bool   `json:"preferred"`
}

type Turn struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Question  string     `json:"question"`
	Timestamp int64      `json:"timestamp"`
	Responses []Response `json:"responses"`
}

// NewTurn builds a turn holding exactly one response per source. Only the
// response matching preferred is flagged; an empty preferred flags none.
func NewTurn(question, openAIText, geminiText string, preferred Source, ts int64) Turn {
	return Turn{
		Question:  question,
		Timestamp: ts,
		Responses: []Response{
			{Source: SourceOpenAI, Text: openAIText, Preferred: preferred == SourceOpenAI},
			{Source: SourceGemini, Text: geminiText, Preferred: preferred == SourceGemini},
		},
	}
}

func (t Turn) Response(src Source) (Response, bool) {
	for _, r := range t.Responses {
		if r.Source == src {
			return r, true
		}
	}
	return Response{}, false
}

func (t Turn) PreferredSource() (Source, bool) {
	for _, r := range t.Responses {
		if r.Preferred {
			return r.Source, true
		}
	}
	return "", false
}

// TruncateTitle cuts a user message down to a session title.
func TruncateTitle(text string) string {
	r := []rune(text)
	if len(r) <= TitleMaxRunes {
		return text
	}
	return string(r[:TitleMaxRunes])
}
