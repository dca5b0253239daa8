package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growthpigs/bravo-revos-sub004/internal/actions"
	"github.com/growthpigs/bravo-revos-sub004/internal/streaming"
)

type sent struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	errs map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{sessionID, method, params})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestNotifier(f *fakeSender) (*SessionNotifier, *SessionRegistry) {
	sessions := NewSessionRegistry()
	return &SessionNotifier{sender: f, sessions: sessions, logger: slog.Default()}, sessions
}

func TestSessionNotifier_Deliver(t *testing.T) {
	f := &fakeSender{errs: map[string]error{
		"sess-gone":   server.ErrSessionNotFound,
		"sess-broken": errors.New("write: broken pipe"),
	}}
	n, sessions := newTestNotifier(f)
	sessions.Register("alice", "sess-a")
	sessions.Register("alice", "sess-a2")
	sessions.Register("carol", "sess-gone")
	sessions.Register("dave", "sess-broken")

	delivered := n.Deliver(actions.Notification{
		TenantID:   "t1",
		WorkflowID: "wf-1",
		RunID:      "run-1",
		Channel:    "in_app",
		Recipients: []string{"alice", "bob", "carol", "dave"},
		Message:    "Acme moved to onboarding",
	})

	assert.Equal(t, 2, delivered)
	require.Len(t, f.sent, 2)
	assert.Equal(t, "sess-a", f.sent[0].sessionID)
	assert.Equal(t, "sess-a2", f.sent[1].sessionID)
	assert.Equal(t, "notifications/message", f.sent[0].method)
	data := f.sent[0].params["data"].(map[string]any)
	assert.Equal(t, "Acme moved to onboarding", data["message"])
	assert.Equal(t, "run-1", data["run_id"])

	assert.Empty(t, sessions.SessionsFor("carol"), "closed session is dropped")
	assert.Equal(t, []string{"sess-broken"}, sessions.SessionsFor("dave"), "transient failures keep the session")
}

func TestSessionNotifier_Forward(t *testing.T) {
	f := &fakeSender{}
	n, sessions := newTestNotifier(f)
	sessions.Register("alice", "sess-a")

	hub := streaming.NewMemoryHub()
	notifier := streaming.NewHubNotifier(hub)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- n.Forward(ctx, hub) }()

	note := actions.Notification{TenantID: "t1", RunID: "run-1", Recipients: []string{"alice"}, Message: "hi"}
	// Publish until the subscription is live; earlier events have no subscriber.
	require.Eventually(t, func() bool {
		_ = notifier.Notify(ctx, note)
		return f.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}

func TestNotificationOf(t *testing.T) {
	note := actions.Notification{RunID: "r1"}

	got, ok := notificationOf(note)
	assert.True(t, ok)
	assert.Equal(t, "r1", got.RunID)

	got, ok = notificationOf(&note)
	assert.True(t, ok)
	assert.Equal(t, "r1", got.RunID)

	_, ok = notificationOf((*actions.Notification)(nil))
	assert.False(t, ok)
	_, ok = notificationOf(map[string]any{"run_id": "r1"})
	assert.False(t, ok)
}
