package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"duochat/internal/chat"
)

var ErrNotFound = chat.ErrNotFound

var _ chat.Backend = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, userID string, sess chat.Session) (chat.Session, error) {
	if sess.ID == "" {
		sess.ID = ulid.Make().String()
	}
	if sess.Title == "" {
		sess.Title = chat.DefaultTitle
	}
	q := s.sql.Insert("chat_sessions").
		Columns("id", "user_id", "title", "created_at_ms").
		Values(sess.ID, userID, sess.Title, sess.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return chat.Session{}, fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	q := s.sql.Update("chat_sessions").
		Set("title", title).
		Where(sq.Eq{"id": sessionID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rename session query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.Session, error) {
	q := s.sql.Select("id", "title", "created_at_ms").
		From("chat_sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at_ms DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Session, 0)
	for rows.Next() {
		var sess chat.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *Store) ownsSession(ctx context.Context, userID, sessionID string) error {
	q := s.sql.Select("1").From("chat_sessions").Where(sq.Eq{"id": sessionID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build session owner query: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check session owner: %w", err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, userID, sessionID string, t chat.Turn) (chat.Turn, error) {
	if err := s.ownsSession(ctx, userID, sessionID); err != nil {
		return chat.Turn{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SessionID = sessionID

	doc, err := s.codec.Encode(userID, sessionID, t)
	if err != nil {
		return chat.Turn{}, err
	}
	q := s.sql.Insert("chat_turns").
		Columns("id", "session_id", "user_id", "ts_ms", "doc").
		Values(t.ID, sessionID, userID, t.Timestamp, string(doc))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return chat.Turn{}, fmt.Errorf("build append turn query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return chat.Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return t, nil
}

func (s *Store) ListTurns(ctx context.Context, userID, sessionID string) ([]chat.Turn, error) {
	if err := s.ownsSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	sqlStr, args, err := s.listTurnsQuery(userID, sessionID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list turns query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var raw []turnRow
	for rows.Next() {
		var r turnRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.TsMS, &r.Doc); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	out := make([]chat.Turn, 0, len(raw))
	for _, r := range raw {
		t, err := s.codec.Decode(r.UserID, r.SessionID, []byte(r.Doc))
		if err != nil {
			return nil, fmt.Errorf("decode turn %s: %w", r.ID, err)
		}
		t.ID = r.ID
		t.SessionID = r.SessionID
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) listTurnsQuery(userID, sessionID string) sq.SelectBuilder {
	return s.sql.Select("id", "session_id", "user_id", "ts_ms", "doc").
		From("chat_turns").
		Where(sq.Eq{"session_id": sessionID, "user_id": userID}).
		OrderBy("ts_ms ASC", "seq ASC")
}
