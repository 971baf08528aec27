package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix = "synergy:progress:"
	// followBackoff spaces out Follow's reads while Redis is failing.
	followBackoff = time.Second
)

// StreamRelay mirrors progress events into per-workflow Redis Streams so
// other processes and late readers can replay them.
type StreamRelay struct {
	rdb     *redis.Client
	maxLen  int64
	ttl     time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

// NewStreamRelay creates a relay on rdb. Each stream is trimmed to roughly
// maxLen entries and expires ttl after its last write.
func NewStreamRelay(rdb *redis.Client, maxLen int64, ttl time.Duration, logger *zap.Logger) *StreamRelay {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &StreamRelay{
		rdb:     rdb,
		maxLen:  maxLen,
		ttl:     ttl,
		backoff: followBackoff,
		logger:  logger.With(zap.String("component", "relay")),
	}
}

// StreamKey names the stream holding workflowID's events.
func StreamKey(workflowID string) string { return streamPrefix + workflowID }

// Append writes one event to its workflow's stream.
func (r *StreamRelay) Append(ctx context.Context, ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := StreamKey(ev.WorkflowID)
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("append to %s: %w", stream, err)
	}
	if r.ttl > 0 {
		if err := r.rdb.Expire(ctx, stream, r.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", stream, err)
		}
	}
	return nil
}

// Run copies every event published on b into Redis until ctx ends.
func (r *StreamRelay) Run(ctx context.Context, b *Broadcaster) {
	sub := b.SubscribeAll(ctx)
	defer sub.Close()

	for ev := range sub.Events() {
		if err := r.Append(ctx, ev); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Warn("relay append failed",
				zap.String("workflow_id", ev.WorkflowID),
				zap.Error(err))
		}
	}
}

// History reads back up to count events of workflowID, oldest first. A
// count of zero reads the whole stream.
func (r *StreamRelay) History(ctx context.Context, workflowID string, count int64) ([]pipeline.Event, error) {
	stream := StreamKey(workflowID)
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = r.rdb.XRangeN(ctx, stream, "-", "+", count).Result()
	} else {
		msgs, err = r.rdb.XRange(ctx, stream, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	events := make([]pipeline.Event, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev pipeline.Event
		if json.Unmarshal([]byte(data), &ev) == nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Knows reports whether workflowID has a stream, which holds for any
// workflow some process relayed within the stream TTL.
func (r *StreamRelay) Knows(ctx context.Context, workflowID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, StreamKey(workflowID)).Result()
	if err != nil {
		return false, fmt.Errorf("check stream %s: %w", workflowID, err)
	}
	return n > 0, nil
}

// Follow tails workflowID's stream from the beginning, emitting events
// until its terminal status event or until ctx ends. It lets a process
// that does not own the workflow watch its progress.
func (r *StreamRelay) Follow(ctx context.Context, workflowID string) <-chan pipeline.Event {
	ch := make(chan pipeline.Event, 16)
	stream := StreamKey(workflowID)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if errors.Is(err, redis.Nil) {
					// Block expired with nothing new.
					continue
				}
				r.logger.Warn("follow read failed",
					zap.String("workflow_id", workflowID),
					zap.Duration("retry_in", r.backoff),
					zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.backoff):
				}
				continue
			}

			for _, res := range results {
				for _, msg := range res.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev pipeline.Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
					if ev.Status.Terminal() && ev.Kind == "" {
						return
					}
				}
			}
		}
	}()

	return ch
}
