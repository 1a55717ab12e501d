package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelsec/sentinel"
)

// Stream publishes events onto Redis Streams, one stream per
// (tenant, topic) so stream order matches bus order.
type Stream struct {
	c      redis.UniversalClient
	prefix string
	maxLen int64
}

var _ Sink = (*Stream)(nil)

// NewStream returns a sink writing under prefix, e.g.
// "sentinel:events:<tenant>:<topic>". Streams are capped at maxLen entries,
// approximately; zero means uncapped.
func NewStream(c redis.UniversalClient, prefix string, maxLen int64) *Stream {
	if prefix == "" {
		prefix = "sentinel:events"
	}
	return &Stream{c: c, prefix: prefix, maxLen: maxLen}
}

func (s *Stream) key(ev sentinel.Event) string {
	return s.prefix + ":" + ev.TenantID.String() + ":" + ev.Payload.Topic()
}

// Publish implements Sink.
func (s *Stream) Publish(ctx context.Context, ev sentinel.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.key(ev),
		Values: map[string]any{
			"id":        ev.ID.String(),
			"tenant_id": ev.TenantID.String(),
			"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"topic":     ev.Payload.Topic(),
			"payload":   payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.c.XAdd(ctx, args).Err()
}
