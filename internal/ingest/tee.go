package ingest

import (
	"context"
	"log/slog"

	"github.com/example/mobility-sync/internal/broadcast"
)

// Recorder is the journal side of the tee. *Journal satisfies it.
type Recorder interface {
	Record(ev broadcast.Event) error
	Close() error
}

// Tee wraps a live transport so every event this peer publishes also
// lands in the journal. The sender id is stamped here, before either
// sink sees the event, so journal entries keep their partition key even
// when the caller left it blank. Journal failures never block the
// fan-out.
type Tee struct {
	Inner   broadcast.Transport
	Journal Recorder
	PeerID  string
	Logger  *slog.Logger
}

func (t *Tee) Publish(ctx context.Context, ev broadcast.Event) error {
	if t.PeerID != "" {
		ev.SenderID = t.PeerID
	}
	err := t.Inner.Publish(ctx, ev)
	if jerr := t.Journal.Record(ev); jerr != nil && t.Logger != nil {
		t.Logger.Warn("journal record failed", "type", ev.Type, "error", jerr)
	}
	return err
}

func (t *Tee) Subscribe(h broadcast.Handler) func() { return t.Inner.Subscribe(h) }

func (t *Tee) Close() error {
	_ = t.Journal.Close()
	return t.Inner.Close()
}
