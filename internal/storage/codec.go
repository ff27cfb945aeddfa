package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"duochat/internal/chat"
	"duochat/internal/crypto"
)

// TurnSchemaVersion is written into every persisted turn document.
const TurnSchemaVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported turn document version")

type ResponseDocument struct {
	Source    string `json:"source" firestore:"source"`
	Text      string `json:"text" firestore:"text"`
	Preferred bool   `json:"preferred" firestore:"isPreferred"`
}

type TurnDocument struct {
	V         int           `json:"v" firestore:"v"`
	Question  string        `json:"question" firestore:"question"`
	Timestamp int64         `json:"ts" firestore:"timestamp"`
	Responses []ResponseDocument `json:"responses" firestore:"responses"`
}

// ToDocument maps a turn onto its versioned storage form.
func ToDocument(t chat.Turn) TurnDocument {
	doc := TurnDocument{
		V:         TurnSchemaVersion,
		Question:  t.Question,
		Timestamp: t.Timestamp,
		Responses: make([]ResponseDocument, 0, len(t.Responses)),
	}
	for _, r := range t.Responses {
		doc.Responses = append(doc.Responses, ResponseDocument{Source: string(r.Source), Text: r.Text, Preferred: r.Preferred})
	}
	return doc
}

// FromDocument rejects documents of any other schema version.
func FromDocument(doc TurnDocument) (chat.Turn, error) {
	if doc.V != TurnSchemaVersion {
		return chat.Turn{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.V)
	}
	t := chat.Turn{
		Question:  doc.Question,
		Timestamp: doc.Timestamp,
		Responses: make([]chat.Response, 0, len(doc.Responses)),
	}
	for _, r := range doc.Responses {
		src, err := chat.ParseSource(r.Source)
		if err != nil {
			return chat.Turn{}, fmt.Errorf("decode response: %w", err)
		}
		t.Responses = append(t.Responses, chat.Response{Source: src, Text: r.Text, Preferred: r.Preferred})
	}
	return t, nil
}

// EncodeTurn renders the versioned JSON document of a turn. Identity fields
// (id, session) live outside the document.
func EncodeTurn(t chat.Turn) ([]byte, error) {
	b, err := json.Marshal(ToDocument(t))
	if err != nil {
		return nil, fmt.Errorf("marshal turn: %w", err)
	}
	return b, nil
}

func DecodeTurn(raw []byte) (chat.Turn, error) {
	var doc TurnDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return chat.Turn{}, fmt.Errorf("unmarshal turn: %w", err)
	}
	return FromDocument(doc)
}

// Codec optionally seals turn documents. A nil sealer stores plaintext; a
// configured sealer still reads plaintext documents written before sealing
// was enabled.
type Codec struct {
	sealer *crypto.Manager
}

func NewCodec(sealer *crypto.Manager) *Codec {
	return &Codec{sealer: sealer}
}

// Seals reports whether documents written by c are encrypted.
func (c *Codec) Seals() bool {
	return c != nil && c.sealer != nil
}

func turnAAD(userID, sessionID string) []byte {
	return []byte(userID + "/" + sessionID)
}

func (c *Codec) Encode(userID, sessionID string, t chat.Turn) ([]byte, error) {
	raw, err := EncodeTurn(t)
	if err != nil {
		return nil, err
	}
	if c == nil || c.sealer == nil {
		return raw, nil
	}
	sealed, err := c.sealer.Seal(raw, turnAAD(userID, sessionID))
	if err != nil {
		return nil, fmt.Errorf("seal turn: %w", err)
	}
	return sealed, nil
}

func (c *Codec) Decode(userID, sessionID string, raw []byte) (chat.Turn, error) {
	if _, sealed := crypto.Sealed(raw); sealed {
		if c == nil || c.sealer == nil {
			return chat.Turn{}, fmt.Errorf("turn is sealed but no master key is configured")
		}
		plain, err := c.sealer.Open(raw, turnAAD(userID, sessionID))
		if err != nil {
			return chat.Turn{}, fmt.Errorf("open turn: %w", err)
		}
		raw = plain
	}
	return DecodeTurn(raw)
}
