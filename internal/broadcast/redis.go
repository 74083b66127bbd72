package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport fans events out over a Redis PUB/SUB channel. Every peer
// subscribes to the same channel; self-published events come back from
// the broker and are dropped by sender id.
type RedisTransport struct {
	client  *redis.Client
	channel string
	peerID  string
	logger  *slog.Logger

	sub    *redis.PubSub
	cancel context.CancelFunc

	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
}

func NewRedisTransport(addr, password, channel, peerID string, logger *slog.Logger) *RedisTransport {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	t := &RedisTransport{
		client:   c,
		channel:  channel,
		peerID:   peerID,
		logger:   logger,
		handlers: make(map[int]Handler),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.sub = c.Subscribe(ctx, channel)
	go t.receiveLoop(ctx)
	return t
}

func (t *RedisTransport) Publish(ctx context.Context, ev Event) error {
	ev.SenderID = t.peerID
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channel, b).Err()
}

func (t *RedisTransport) Subscribe(h Handler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

func (t *RedisTransport) Close() error {
	t.cancel()
	_ = t.sub.Close()
	return t.client.Close()
}

func (t *RedisTransport) receiveLoop(ctx context.Context) {
	ch := t.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			ev, deliver, err := decodeEvent(t.peerID, []byte(m.Payload))
			if err != nil {
				t.logger.Warn("broadcast: bad event on channel", "channel", t.channel, "error", err)
				continue
			}
			if !deliver {
				continue
			}
			t.dispatch(ev)
		}
	}
}

func (t *RedisTransport) dispatch(ev Event) {
	t.mu.Lock()
	hs := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}
