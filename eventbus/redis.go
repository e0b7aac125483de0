package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/filestore"
)

// RedisBus publishes events to a single named channel on a Redis-
// compatible broker and relays incoming messages to local subscribers
// (spec.md §4.6 "pub/sub" mode). Delivery across processes is at-least-
// once: subscribers must tolerate redelivery.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
}

// NewRedisBus opens a client against addr and starts relaying channel.
func NewRedisBus(ctx context.Context, addr, password, channel string, log *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, filestore.ErrBackendUnavailable.Wrap(err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:   client,
		channel:  channel,
		log:      log,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[int]Handler),
	}
	go b.relay(relayCtx)
	return b, nil
}

func (b *RedisBus) relay(ctx context.Context) {
	defer close(b.done)
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Error("eventbus: malformed event payload", zap.Error(err))
				continue
			}
			b.dispatch(ctx, event)
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, event Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, event)
	}
}

// Publish marshals event and publishes it on the broker channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return filestore.ErrBackendUnavailable.Wrap(err)
	}
	return nil
}

// Subscribe registers a local handler for events relayed from the broker.
func (b *RedisBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Close stops the relay goroutine and closes the Redis client.
func (b *RedisBus) Close() error {
	b.cancel()
	<-b.done
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
