package streaming

import (
	"context"

	"github.com/growthpigs/bravo-revos-sub004/internal/actions"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// HubNotifier implements actions.Notifier by publishing notification events
// on a hub. Delivery is left to whoever subscribes to them.
type HubNotifier struct {
	hub EventHub
}

// NewHubNotifier returns a notifier that publishes to hub.
func NewHubNotifier(hub EventHub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Notify publishes n as a notification event.
func (n *HubNotifier) Notify(ctx context.Context, note actions.Notification) error {
	return n.hub.Publish(ctx, StreamEvent{
		TenantID:   note.TenantID,
		WorkflowID: note.WorkflowID,
		RunID:      note.RunID,
		EventType:  schema.EventNotification,
		Payload:    note,
		Timestamp:  note.CreatedAt,
	})
}

var _ actions.Notifier = (*HubNotifier)(nil)
