package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"duochat/internal/queue"
)

// pendingPrompt remembers that the next private message from a user is the
// prompt for a command sent without one.
type pendingPrompt struct {
	Kind   queue.JobKind `json:"kind"`
	ChatID int64         `json:"chat_id"`
}

type pendingStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newPendingStore(rdb *redis.Client, ttl time.Duration) *pendingStore {
	return &pendingStore{redis: rdb, ttl: ttl}
}

func (p *pendingStore) key(userID int64) string {
	return fmt.Sprintf("duochat:pending:%d", userID)
}

func (p *pendingStore) Set(ctx context.Context, userID int64, state pendingPrompt) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return p.redis.Set(ctx, p.key(userID), string(b), p.ttl).Err()
}

// Take returns and clears the pending prompt, or nil when there is none.
func (p *pendingStore) Take(ctx context.Context, userID int64) (*pendingPrompt, error) {
	raw, err := p.redis.GetDel(ctx, p.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state pendingPrompt
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (p *pendingStore) Clear(ctx context.Context, userID int64) (bool, error) {
	n, err := p.redis.Del(ctx, p.key(userID)).Result()
	return n > 0, err
}
