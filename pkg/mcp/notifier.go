package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/growthpigs/bravo-revos-sub004/internal/actions"
	"github.com/growthpigs/bravo-revos-sub004/internal/streaming"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// sender is the push half of *server.MCPServer.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// SessionNotifier delivers notification events from the hub to the MCP
// sessions of their recipients. Recipients without a session are skipped.
type SessionNotifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewSessionNotifier creates a notifier that pushes through the server's
// sessions.
func NewSessionNotifier(s *Server) *SessionNotifier {
	return &SessionNotifier{sender: s.mcpServer, sessions: s.sessions, logger: s.logger}
}

// Forward subscribes to notification events on hub and delivers them until
// ctx is cancelled.
func (n *SessionNotifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventNotification}})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			note, ok := notificationOf(ev.Payload)
			if !ok {
				continue
			}
			n.Deliver(note)
		}
	}
}

// Deliver pushes one notification to every session of every recipient and
// returns how many sessions received it.
func (n *SessionNotifier) Deliver(note actions.Notification) int {
	delivered := 0
	for _, userID := range note.Recipients {
		for _, sessionID := range n.sessions.SessionsFor(userID) {
			if n.push(sessionID, userID, note) {
				delivered++
			}
		}
	}
	return delivered
}

func (n *SessionNotifier) push(sessionID, userID string, note actions.Notification) bool {
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "automation",
		"data": map[string]any{
			"tenant_id":   note.TenantID,
			"workflow_id": note.WorkflowID,
			"run_id":      note.RunID,
			"entity_id":   note.EntityID,
			"channel":     note.Channel,
			"message":     note.Message,
		},
	})
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		// Session closed since registration.
		n.sessions.Remove(sessionID)
		return false
	case err != nil:
		n.logger.Warn("notification push failed", "user_id", userID, "session_id", sessionID, "error", err)
		return false
	}
	return true
}

func notificationOf(payload any) (actions.Notification, bool) {
	switch p := payload.(type) {
	case actions.Notification:
		return p, true
	case *actions.Notification:
		if p != nil {
			return *p, true
		}
	}
	return actions.Notification{}, false
}
