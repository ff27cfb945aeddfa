package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"duochat/internal/auth"
)

var (
	ErrAuthRequired = errors.New("user not authenticated")
	ErrNotFound     = errors.New("not found")
)

// Backend is a document store holding sessions and turns per user. Every
// call names the owning user explicitly.
type Backend interface {
	CreateSession(ctx context.Context, userID string, s Session) (Session, error)
	RenameSession(ctx context.Context, userID, sessionID, title string) error
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	AppendTurn(ctx context.Context, userID, sessionID string, t Turn) (Turn, error)
	ListTurns(ctx context.Context, userID, sessionID string) ([]Turn, error)
}

// Store scopes a Backend to the user carried by the request context.
type Store struct {
	backend Backend
	now     func() time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

func (s *Store) userID(ctx context.Context) (string, error) {
	uid, ok := auth.UserFrom(ctx)
	if !ok {
		return "", ErrAuthRequired
	}
	return uid, nil
}

func (s *Store) CreateSession(ctx context.Context) (string, error) {
	uid, err := s.userID(ctx)
	if err != nil {
		return "", err
	}
	sess, err := s.backend.CreateSession(ctx, uid, Session{
		Title:     DefaultTitle,
		CreatedAt: s.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sess.ID, nil
}

func (s *Store) AppendTurn(ctx context.Context, sessionID, question, openAIText, geminiText string, preferred Source) error {
	uid, err := s.userID(ctx)
	if err != nil {
		return err
	}
	turn := NewTurn(question, openAIText, geminiText, preferred, s.now().UnixMilli())
	if _, err := s.backend.AppendTurn(ctx, uid, sessionID, turn); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	uid, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	turns, err := s.backend.ListTurns(ctx, uid, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// LatestTurn returns the most recent turn of a session; found is false for
// an empty session.
func (s *Store) LatestTurn(ctx context.Context, sessionID string) (turn Turn, found bool, err error) {
	turns, err := s.ListTurns(ctx, sessionID)
	if err != nil {
		return Turn{}, false, err
	}
	if len(turns) == 0 {
		return Turn{}, false, nil
	}
	return turns[len(turns)-1], true, nil
}

func (s *Store) RenameSession(ctx context.Context, sessionID, title string) error {
	uid, err := s.userID(ctx)
	if err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	if err := s.backend.RenameSession(ctx, uid, sessionID, title); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	uid, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.backend.ListSessions(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}
