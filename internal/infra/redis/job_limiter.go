package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"hearing-summarizer/internal/domain/ports/adapter"
)

var _ adapter.JobLimiter = (*JobLimiter)(nil)

// JobLimiter tracks each client's non-terminal jobs in a redis set shared by all
// instances. The set expires after ttl so a crashed instance cannot pin a client.
type JobLimiter struct {
	cli   *redis.Client
	limit int
	ttl   time.Duration
}

func NewJobLimiter(c *Client, limit int, ttl time.Duration) *JobLimiter {
	return &JobLimiter{cli: c.cli, limit: limit, ttl: ttl}
}

var luaAcquire = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
	return 1
end
if redis.call("SCARD", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1`)

func (l *JobLimiter) Acquire(ctx context.Context, clientKey, jobID string) (bool, error) {
	if clientKey == "" {
		return true, nil
	}
	n, err := luaAcquire.Run(ctx, l.cli, []string{jobsKey(clientKey)}, jobID, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *JobLimiter) Release(ctx context.Context, clientKey, jobID string) error {
	if clientKey == "" {
		return nil
	}
	return l.cli.SRem(ctx, jobsKey(clientKey), jobID).Err()
}

func jobsKey(clientKey string) string {
	return fmt.Sprintf("jobs:client:%s", clientKey)
}
