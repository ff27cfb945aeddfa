package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"duochat/internal/chat"
	"duochat/internal/storage"
)

// Store keeps sessions under users/{uid}/chat_sessions/{sid} and their turns
// in the messages subcollection.
type Store struct {
	client *firestore.Client
	codec  *storage.Codec
}

func NewStore(ctx context.Context, projectID string, codec *storage.Codec) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Store{client: client, codec: codec}, nil
}

var _ chat.Backend = (*Store)(nil)

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionsCol(userID string) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(userID).Collection("chat_sessions")
}

func (s *Store) messagesCol(userID, sessionID string) *firestore.CollectionRef {
	return s.sessionsCol(userID).Doc(sessionID).Collection("messages")
}

type sessionDoc struct {
	Title     string `firestore:"title"`
	Timestamp int64  `firestore:"timestamp"`
}

type messageDoc struct {
	storage.TurnDocument
	Sealed string `firestore:"sealed,omitempty"`
}

func (s *Store) CreateSession(ctx context.Context, userID string, sess chat.Session) (chat.Session, error) {
	ref := s.sessionsCol(userID).NewDoc()
	if sess.ID != "" {
		ref = s.sessionsCol(userID).Doc(sess.ID)
	}
	if sess.Title == "" {
		sess.Title = chat.DefaultTitle
	}
	if _, err := ref.Create(ctx, sessionDoc{Title: sess.Title, Timestamp: sess.CreatedAt}); err != nil {
		return chat.Session{}, fmt.Errorf("firestore CreateSession: %w", err)
	}
	sess.ID = ref.ID
	return sess, nil
}

func (s *Store) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	_, err := s.sessionsCol(userID).Doc(sessionID).Update(ctx, []firestore.Update{{Path: "title", Value: title}})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return storage.ErrNotFound
		}
		return fmt.Errorf("firestore RenameSession: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.Session, error) {
	iter := s.sessionsCol(userID).OrderBy("timestamp", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	out := make([]chat.Session, 0)
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore ListSessions: %w", err)
		}
		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode sessionDoc: %w", err)
		}
		title := doc.Title
		if title == "" {
			title = chat.DefaultTitle
		}
		out = append(out, chat.Session{ID: snap.Ref.ID, Title: title, CreatedAt: doc.Timestamp})
	}
	return out, nil
}

func (s *Store) ensureSession(ctx context.Context, userID, sessionID string) error {
	if _, err := s.sessionsCol(userID).Doc(sessionID).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return storage.ErrNotFound
		}
		return fmt.Errorf("firestore GetSession: %w", err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, userID, sessionID string, t chat.Turn) (chat.Turn, error) {
	if err := s.ensureSession(ctx, userID, sessionID); err != nil {
		return chat.Turn{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SessionID = sessionID

	var doc messageDoc
	if s.codec.Seals() {
		sealed, err := s.codec.Encode(userID, sessionID, t)
		if err != nil {
			return chat.Turn{}, err
		}
		doc.V = storage.TurnSchemaVersion
		doc.Timestamp = t.Timestamp
		doc.Sealed = string(sealed)
	} else {
		doc.TurnDocument = storage.ToDocument(t)
	}

	if _, err := s.messagesCol(userID, sessionID).Doc(t.ID).Create(ctx, doc); err != nil {
		return chat.Turn{}, fmt.Errorf("firestore AppendTurn: %w", err)
	}
	return t, nil
}

func (s *Store) ListTurns(ctx context.Context, userID, sessionID string) ([]chat.Turn, error) {
	if err := s.ensureSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	iter := s.messagesCol(userID, sessionID).OrderBy("timestamp", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	out := make([]chat.Turn, 0)
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore ListTurns: %w", err)
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}

		var turn chat.Turn
		if doc.Sealed != "" {
			turn, err = s.codec.Decode(userID, sessionID, []byte(doc.Sealed))
		} else {
			turn, err = storage.FromDocument(doc.TurnDocument)
		}
		if err != nil {
			return nil, fmt.Errorf("decode turn %s: %w", snap.Ref.ID, err)
		}
		turn.ID = snap.Ref.ID
		turn.SessionID = sessionID
		out = append(out, turn)
	}
	return out, nil
}
