package dispatch

import (
	"log/slog"

	"github.com/example/mobility-sync/internal/models"
)

// FanoutNotifier tries the live websocket session first and falls back to
// a push, so a prompt lands whether or not the user's tab is open.
type FanoutNotifier struct {
	WS   *WSRegistry
	Push *PushNotifier
}

func (f *FanoutNotifier) Notify(userID string, n models.Notification) error {
	if f.WS != nil {
		if err := f.WS.Notify(userID, n); err == nil {
			return nil
		}
	}
	if f.Push != nil {
		return f.Push.Notify(userID, n)
	}
	return ErrNoSession
}

// LogNotifier records prompts in the structured log. Degraded mode for
// local runs with neither websockets nor a push endpoint.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(userID string, n models.Notification) error {
	l.Logger.Info("notification", "user_id", userID, "kind", n.Kind, "service_id", n.ServiceID, "message", n.Message)
	return nil
}
