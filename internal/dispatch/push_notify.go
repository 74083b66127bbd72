package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/mobility-sync/internal/models"
)

// PushNotifier posts JSON to an FCM HTTPv1 endpoint using a server key or
// oauth token, for users with no live websocket session.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *PushNotifier) Notify(userID string, n models.Notification) error {
	body := map[string]interface{}{"message": map[string]interface{}{"token": userID, "data": map[string]interface{}{"kind": n.Kind, "service_id": n.ServiceID, "chat_id": n.ChatID, "body": n.Message}}}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	_, _ = f.Client.Do(req)
	return nil
}
