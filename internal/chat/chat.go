package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/mobility-sync/internal/broadcast"
	"github.com/example/mobility-sync/internal/models"
)

var (
	ErrNotFound       = errors.New("chat: no such thread")
	ErrNotParticipant = errors.New("chat: sender is not a participant")
)

// Chats holds the private two-party threads opened by confirmed bookings.
// Participants are fixed at creation; message history only ever appends.
// Appends are fanned out to other peers as CHAT_MESSAGE events.
type Chats struct {
	transport broadcast.Transport
	now       func() time.Time

	mu   sync.RWMutex
	byID map[string]*models.PrivateChat
}

func New(transport broadcast.Transport) *Chats {
	return &Chats{
		transport: transport,
		now:       time.Now,
		byID:      make(map[string]*models.PrivateChat),
	}
}

// Open creates a thread between a rider and a provider with empty history.
func (c *Chats) Open(serviceID, riderID, providerID string) models.PrivateChat {
	thread := models.PrivateChat{
		ID:           uuid.NewString(),
		ServiceID:    serviceID,
		Participants: [2]string{riderID, providerID},
		CreatedAt:    c.now(),
	}
	c.mu.Lock()
	c.byID[thread.ID] = &thread
	c.mu.Unlock()
	return thread
}

// Append adds a message to a thread and broadcasts it.
func (c *Chats) Append(ctx context.Context, chatID, from, body string) (models.ChatMessage, error) {
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		From:      from,
		Body:      body,
		Timestamp: c.now(),
	}

	c.mu.Lock()
	thread, ok := c.byID[chatID]
	if !ok {
		c.mu.Unlock()
		return models.ChatMessage{}, ErrNotFound
	}
	if from != thread.Participants[0] && from != thread.Participants[1] {
		c.mu.Unlock()
		return models.ChatMessage{}, ErrNotParticipant
	}
	msg.To = thread.Participants[0]
	if msg.To == from {
		msg.To = thread.Participants[1]
	}
	thread.Messages = append(thread.Messages, msg)
	c.mu.Unlock()

	if ev, err := broadcast.NewEvent(broadcast.ChatMessage, msg, ""); err == nil {
		_ = c.transport.Publish(ctx, ev) // best-effort
	}
	return msg, nil
}

// ApplyRemote folds a message received from another peer into the local
// mirror. Unknown threads are created on the fly so a peer that missed
// the confirmation still collects the conversation.
func (c *Chats) ApplyRemote(msg models.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	thread, ok := c.byID[msg.ChatID]
	if !ok {
		thread = &models.PrivateChat{
			ID:           msg.ChatID,
			Participants: [2]string{msg.From, msg.To},
			CreatedAt:    c.now(),
		}
		c.byID[msg.ChatID] = thread
	}
	thread.Messages = append(thread.Messages, msg)
}

// Get returns a copy of a thread.
func (c *Chats) Get(chatID string) (models.PrivateChat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	thread, ok := c.byID[chatID]
	if !ok {
		return models.PrivateChat{}, false
	}
	out := *thread
	out.Messages = append([]models.ChatMessage(nil), thread.Messages...)
	return out, true
}

// ForUser lists the threads a user participates in.
func (c *Chats) ForUser(userID string) []models.PrivateChat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.PrivateChat
	for _, thread := range c.byID {
		if thread.Participants[0] == userID || thread.Participants[1] == userID {
			cp := *thread
			cp.Messages = append([]models.ChatMessage(nil), thread.Messages...)
			out = append(out, cp)
		}
	}
	return out
}
