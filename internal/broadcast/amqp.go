package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTransport fans events out through a RabbitMQ fanout exchange. Each
// peer binds its own exclusive auto-delete queue, so a queue lives exactly
// as long as its peer and every peer sees every event once. Own events are
// dropped by sender id on receipt.
type AMQPTransport struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	peerID   string
	logger   *slog.Logger
	cancel   context.CancelFunc

	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
}

func NewAMQPTransport(url, exchange, peerID string, logger *slog.Logger) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", false, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue bind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &AMQPTransport{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		peerID:   peerID,
		logger:   logger,
		cancel:   cancel,
		handlers: make(map[int]Handler),
	}
	go t.receiveLoop(ctx, deliveries)
	return t, nil
}

func (t *AMQPTransport) Publish(ctx context.Context, ev Event) error {
	ev.SenderID = t.peerID
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return t.ch.PublishWithContext(pubCtx, t.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        b,
	})
}

func (t *AMQPTransport) Subscribe(h Handler) func() {
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

func (t *AMQPTransport) Close() error {
	t.cancel()
	_ = t.ch.Close()
	return t.conn.Close()
}

func (t *AMQPTransport) receiveLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ev, deliver, err := decodeEvent(t.peerID, d.Body)
			if err != nil {
				t.logger.Warn("broadcast: bad event on exchange", "exchange", t.exchange, "error", err)
				continue
			}
			if !deliver {
				continue
			}
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
	}
}
