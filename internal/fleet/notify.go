package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetctl/fleetctl/internal/store"
)

// Notifier publishes NotificationEvents to an agent's pub/sub channel
// and durable pending list, matching _notify_agent's dual
// publish+rpush behaviour so a worker that is offline when an event
// fires can still pick it up on reconnect.
type Notifier struct {
	store store.Store
}

// NewNotifier builds a Notifier over s.
func NewNotifier(s store.Store) *Notifier {
	return &Notifier{store: s}
}

// Notify publishes an event of type eventType about taskID to agentID's
// notification channel.
func (n *Notifier) Notify(ctx context.Context, agentID, taskID string, eventType NotificationEventType, data map[string]any) error {
	evt := NotificationEvent{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Data:      data,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.store.Publish(ctx, NotificationChannel(agentID), payload)
}

// Subscribe returns a channel of decoded events for agentID, for the
// worker runtime's REACTING state to wait on.
func (n *Notifier) Subscribe(ctx context.Context, agentID string) (<-chan NotificationEvent, error) {
	raw, err := n.store.Subscribe(ctx, NotificationChannel(agentID))
	if err != nil {
		return nil, err
	}
	out := make(chan NotificationEvent, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			var evt NotificationEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				continue
			}
			out <- evt
		}
	}()
	return out, nil
}

// DrainPending returns every event queued for agentID while it was not
// subscribed, decoding what it can and skipping malformed entries.
func (n *Notifier) DrainPending(ctx context.Context, agentID string) ([]NotificationEvent, error) {
	raw, err := n.store.DrainPending(ctx, NotificationChannel(agentID))
	if err != nil {
		return nil, err
	}
	events := make([]NotificationEvent, 0, len(raw))
	for _, payload := range raw {
		var evt NotificationEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}
