package request

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/mobility-sync/internal/chat"
	"github.com/example/mobility-sync/internal/models"
	"github.com/example/mobility-sync/internal/observability"
	"github.com/example/mobility-sync/internal/registry"
)

// DefaultCountdownSeconds is the booking window: a request left alone for
// this long auto-matures into a confirmed trip.
const DefaultCountdownSeconds = 120

// Protocol is the single-slot booking handshake of one peer. At most one
// request is in flight at a time; a second Initiate while one is pending
// is silently ignored. The countdown never fails on its own: reaching
// zero always confirms, and the only other exit is an explicit Cancel.
type Protocol struct {
	Registry *registry.Registry
	Chats    *chat.Chats
	Notifier registry.Notifier
	Logger   *slog.Logger

	CountdownSeconds int
	// TickInterval is one countdown step; tests shrink it.
	TickInterval time.Duration

	mu      sync.Mutex
	current *session
}

type session struct {
	serviceID string
	riderID   string
	remaining int
	cancelled chan struct{}
}

func New(reg *registry.Registry, chats *chat.Chats, notifier registry.Notifier, logger *slog.Logger) *Protocol {
	return &Protocol{
		Registry:         reg,
		Chats:            chats,
		Notifier:         notifier,
		Logger:           logger,
		CountdownSeconds: DefaultCountdownSeconds,
		TickInterval:     time.Second,
	}
}

// Initiate starts the countdown for a service. Returns false, without
// error or state change, when a request is already in flight or the
// service is unknown.
func (p *Protocol) Initiate(serviceID, riderID string) bool {
	if _, ok := p.Registry.Get(serviceID); !ok {
		p.Logger.Warn("request: initiate for unknown service", "service_id", serviceID)
		return false
	}

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return false
	}
	sess := &session{
		serviceID: serviceID,
		riderID:   riderID,
		remaining: p.CountdownSeconds,
		cancelled: make(chan struct{}),
	}
	p.current = sess
	p.mu.Unlock()

	observability.RequestsInitiated.Inc()
	go p.run(sess)
	return true
}

// Cancel aborts the pending request, stops its clock, and resets the
// countdown for a future request. Safe to call with nothing in flight.
func (p *Protocol) Cancel() {
	p.mu.Lock()
	sess := p.current
	p.current = nil
	p.mu.Unlock()
	if sess == nil {
		return
	}
	close(sess.cancelled)
	observability.RequestsCancelled.Inc()
}

// Remaining reports the seconds left on the pending request, if any.
func (p *Protocol) Remaining() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0, false
	}
	return p.current.remaining, true
}

// Close tears the protocol down, cancelling any pending clock. A dangling
// tick must never confirm after this returns.
func (p *Protocol) Close() {
	p.mu.Lock()
	sess := p.current
	p.current = nil
	p.mu.Unlock()
	if sess != nil {
		close(sess.cancelled)
	}
}

func (p *Protocol) run(sess *session) {
	interval := p.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.cancelled:
			return
		case <-ticker.C:
			if p.tick(sess) {
				p.confirm(sess)
				return
			}
		}
	}
}

// tick decrements the countdown, reporting true at zero. A session swapped
// out by Cancel is no longer current and never reaches zero here.
func (p *Protocol) tick(sess *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != sess {
		return false
	}
	sess.remaining--
	return sess.remaining <= 0
}

// confirm settles the handshake: occupy the service, open the private
// chat, tell the rider, and return the slot to idle.
func (p *Protocol) confirm(sess *session) {
	p.mu.Lock()
	if p.current != sess {
		// cancelled between the final tick and now
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.mu.Unlock()

	ctx := context.Background()
	svc, err := p.Registry.SetOccupied(ctx, sess.serviceID, true, sess.riderID)
	if err != nil {
		p.Logger.Warn("request: confirmation could not occupy service", "service_id", sess.serviceID, "error", err)
		return
	}
	thread := p.Chats.Open(svc.ID, sess.riderID, svc.ProviderID)
	observability.RequestsConfirmed.Inc()

	if p.Notifier != nil {
		_ = p.Notifier.Notify(sess.riderID, models.Notification{
			Kind:      "trip_confirmed",
			ServiceID: svc.ID,
			ChatID:    thread.ID,
			Message:   "Your ride with " + svc.ProviderName + " is confirmed.",
			Timestamp: time.Now(),
		})
	}
}
