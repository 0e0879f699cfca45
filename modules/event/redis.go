package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Deepreo/swapcron/core"
)

// Redis is a NotificationBus on redis pub/sub. Messages published while
// nobody is subscribed are lost, which matches the bus contract.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	buffer int
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewRedis(client *redis.Client, logger *slog.Logger, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{client: client, logger: logger, buffer: o.buffer, done: make(chan struct{})}
}

func (r *Redis) Publish(ctx context.Context, topic string, n core.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan core.Notification, error) {
	ps := r.client.Subscribe(ctx, topic)
	// Wait for the subscription to be confirmed so that a publish issued
	// after Subscribe returns is not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	messages := ps.Channel(redis.WithChannelSize(r.buffer))
	out := make(chan core.Notification, r.buffer)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var n core.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					r.logger.Warn("dropping undecodable notification", "topic", topic, "error", err)
					continue
				}
				select {
				case out <- n:
				default:
					r.logger.Warn("subscriber buffer full, dropping notification", "topic", topic, "swap_id", n.SwapID)
				}
			}
		}
	}()
	return out, nil
}

// Close ends every subscription. The client itself belongs to the caller.
func (r *Redis) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}
