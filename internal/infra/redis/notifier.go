package redis

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/infra/broker"
)

var _ adapter.EventNotifier = (*Notifier)(nil)

const channelPrefix = "job_events:"

// Notifier relays job wake-ups between instances over redis pub/sub and delivers
// them locally through a broker.Hub.
type Notifier struct {
	cli *redis.Client
	hub *broker.Hub
	log *zerolog.Logger
}

func NewNotifier(c *Client, hub *broker.Hub, logger *zerolog.Logger) *Notifier {
	l := logger.With().Str("component", "RedisNotifier").Logger()
	return &Notifier{cli: c.cli, hub: hub, log: &l}
}

// Publish wakes local viewers immediately and fans out to other instances. A redis
// failure only delays remote viewers until their poll fallback fires.
func (n *Notifier) Publish(ctx context.Context, jobID string) {
	n.hub.Publish(ctx, jobID)
	if err := n.cli.Publish(ctx, channelPrefix+jobID, "").Err(); err != nil {
		n.log.Warn().Err(err).Str("job_id", jobID).Msg("publish wake-up failed")
	}
}

func (n *Notifier) Subscribe(jobID string) (<-chan struct{}, func()) {
	return n.hub.Subscribe(jobID)
}

// Run forwards remote wake-ups into the local hub until ctx is done. Local
// publishes are echoed back by redis; the hub coalesces them.
func (n *Notifier) Run(ctx context.Context) {
	sub := n.cli.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()
	ch := sub.Channel()
	n.log.Info().Msg("subscribed to job wake-ups")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.hub.Publish(ctx, strings.TrimPrefix(msg.Channel, channelPrefix))
		}
	}
}
