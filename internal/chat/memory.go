package chat

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryBackend keeps sessions in process memory. It backs tests and
// single-process development runs.
type MemoryBackend struct {
	mu       sync.RWMutex
	seq      int64
	sessions map[string]map[string]*Session
	turns    map[string][]Turn
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]map[string]*Session),
		turns:    make(map[string][]Turn),
	}
}

var _ Backend = (*MemoryBackend)(nil)

func (m *MemoryBackend) nextID(prefix string) string {
	m.seq++
	return prefix + strconv.FormatInt(m.seq, 10)
}

func (m *MemoryBackend) CreateSession(_ context.Context, userID string, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.nextID("s")
	}
	byUser, ok := m.sessions[userID]
	if !ok {
		byUser = make(map[string]*Session)
		m.sessions[userID] = byUser
	}
	cp := s
	byUser[s.ID] = &cp
	return s, nil
}

func (m *MemoryBackend) RenameSession(_ context.Context, userID, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[userID][sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Title = title
	return nil
}

func (m *MemoryBackend) ListSessions(_ context.Context, userID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions[userID]))
	for _, s := range m.sessions[userID] {
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (m *MemoryBackend) AppendTurn(_ context.Context, userID, sessionID string, t Turn) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[userID][sessionID]; !ok {
		return Turn{}, ErrNotFound
	}
	if t.ID == "" {
		t.ID = m.nextID("t")
	}
	t.SessionID = sessionID
	t.Responses = append([]Response(nil), t.Responses...)
	m.turns[sessionID] = append(m.turns[sessionID], t)
	return t, nil
}

func (m *MemoryBackend) ListTurns(_ context.Context, userID, sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[userID][sessionID]; !ok {
		return nil, ErrNotFound
	}
	out := append([]Turn(nil), m.turns[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
