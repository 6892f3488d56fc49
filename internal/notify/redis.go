package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

const channelPrefix = "contentpipe:jobs:"

// Channel is the pub/sub channel carrying a job's events.
func Channel(jobID string) string {
	return channelPrefix + jobID
}

// RedisBroker carries events over Redis pub/sub so that every process
// serving a job sees its changes.
type RedisBroker struct {
	client *redis.Client
	buffer int
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, buffer: defaultBuffer}
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrFatal, "failed to encode event")
	}
	if err := b.client.Publish(ctx, Channel(ev.JobID), data).Err(); err != nil {
		return apperr.Transient(err, "failed to publish event")
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	ps := b.client.Subscribe(ctx, Channel(jobID))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, apperr.Transient(err, "failed to subscribe")
	}

	out := make(chan Event, b.buffer)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg.Payload)
				if err != nil {
					log.Warn("Ignoring malformed event on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- ev:
				default:
					log.Warn("Subscriber of job %s is slow, dropping event", jobID)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
			wg.Wait()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return out, cancel, nil
}

func decodeEvent(payload string) (Event, error) {
	var ev Event
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
