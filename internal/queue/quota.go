package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeQuotaScript increments the window counter unless the limit is
// already reached; rejected submissions are not counted. Returns
// {allowed, used}.
var consumeQuotaScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[2])
if limit > 0 and used >= limit then
  return {0, used}
end
used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {1, used}
`)

// SendQuota caps how many asks and loops one user may submit per clock hour.
type SendQuota struct {
	redis   *redis.Client
	perHour int64
}

// QuotaUsage is the outcome of one submission against the hourly window.
type QuotaUsage struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// NewSendQuota returns a quota of perHour sends; zero or less means unlimited.
func NewSendQuota(rdb *redis.Client, perHour int64) *SendQuota {
	return &SendQuota{redis: rdb, perHour: perHour}
}

func (q *SendQuota) Consume(ctx context.Context, userID string, now time.Time) (QuotaUsage, error) {
	window := now.UTC().Truncate(time.Hour)
	resetAt := window.Add(time.Hour)
	ttl := resetAt.Sub(now.UTC())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	key := fmt.Sprintf("duochat:quota:%s:%s", userID, window.Format("2006010215"))
	res, err := consumeQuotaScript.Run(ctx, q.redis, []string{key}, ttl.Milliseconds(), q.perHour).Int64Slice()
	if err != nil {
		return QuotaUsage{}, fmt.Errorf("consume send quota: %w", err)
	}
	if len(res) != 2 {
		return QuotaUsage{}, fmt.Errorf("consume send quota: unexpected reply %v", res)
	}
	return QuotaUsage{
		Allowed: res[0] == 1,
		Used:    res[1],
		Limit:   q.perHour,
		ResetAt: resetAt,
	}, nil
}
