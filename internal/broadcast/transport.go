package broadcast

import (
	"context"
	"sync"
)

// Handler receives events published by other peers.
type Handler func(Event)

// Transport is the fan-out channel between peers. Implementations must
// never deliver an event back to the peer that published it.
type Transport interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers a handler and returns its cancel function.
	// Handlers run on the transport's delivery goroutine; they must not block.
	Subscribe(h Handler) (cancel func())
	Close() error
}

// NopTransport is the degraded single-peer mode used when no broker is
// configured or reachable: publishing succeeds silently and nothing is
// ever delivered. The shared store still sees every write, so a peer
// started later picks the state up from there.
type NopTransport struct{}

func (NopTransport) Publish(context.Context, Event) error { return nil }
func (NopTransport) Subscribe(Handler) func()             { return func() {} }
func (NopTransport) Close() error                         { return nil }

// Bus is an in-process fan-out hub. Each participant connects with its
// peer id and gets a Transport whose published events reach every other
// connected peer, asynchronously, in publish order per sender.
type Bus struct {
	mu    sync.RWMutex
	peers map[*MemoryTransport]struct{}
}

func NewBus() *Bus {
	return &Bus{peers: make(map[*MemoryTransport]struct{})}
}

// Connect attaches a peer to the bus.
func (b *Bus) Connect(peerID string) *MemoryTransport {
	t := &MemoryTransport{
		bus:      b,
		peerID:   peerID,
		inbox:    make(chan Event, 64),
		done:     make(chan struct{}),
		handlers: make(map[int]Handler),
	}
	go t.deliverLoop()
	b.mu.Lock()
	b.peers[t] = struct{}{}
	b.mu.Unlock()
	return t
}

func (b *Bus) fanOut(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for t := range b.peers {
		if t.peerID == ev.SenderID {
			continue
		}
		select {
		case t.inbox <- ev:
		case <-t.done:
		default:
			// slow peer: drop, delivery is best-effort
		}
	}
}

func (b *Bus) detach(t *MemoryTransport) {
	b.mu.Lock()
	delete(b.peers, t)
	b.mu.Unlock()
}

// MemoryTransport is one peer's endpoint on a Bus.
type MemoryTransport struct {
	bus    *Bus
	peerID string
	inbox  chan Event
	done   chan struct{}

	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	closed   bool
}

func (t *MemoryTransport) Publish(_ context.Context, ev Event) error {
	ev.SenderID = t.peerID
	t.bus.fanOut(ev)
	return nil
}

func (t *MemoryTransport) Subscribe(h Handler) func() {
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

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.bus.detach(t)
	close(t.done)
	return nil
}

func (t *MemoryTransport) deliverLoop() {
	for {
		select {
		case ev := <-t.inbox:
			t.mu.Lock()
			hs := make([]Handler, 0, len(t.handlers))
			for _, h := range t.handlers {
				hs = append(hs, h)
			}
			t.mu.Unlock()
			for _, h := range hs {
				h(ev)
			}
		case <-t.done:
			return
		}
	}
}
