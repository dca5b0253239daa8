package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. Sequence allocation and insert share one transaction.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`), event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO run_events (run_id, action_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		event.RunID, nullStr(event.ActionID), event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *SQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx,
		`SELECT id, run_id, action_id, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var actionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &actionID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ActionID = actionID.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunReplay is a run reconstructed from its event log.
type RunReplay struct {
	RunID      string                         `json:"run_id"`
	Status     schema.RunStatus               `json:"status"`
	Actions    map[string]schema.ActionStatus `json:"actions"`
	StartedAt  *time.Time                     `json:"started_at,omitempty"`
	FinishedAt *time.Time                     `json:"finished_at,omitempty"`
	Events     int                            `json:"events"`
}

// ReplayRun folds a run's events into its final state. Returns an error if
// sequence gaps are detected.
func ReplayRun(ctx context.Context, events EventRepository, runID string) (*RunReplay, error) {
	list, err := events.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	replay := &RunReplay{RunID: runID, Actions: make(map[string]schema.ActionStatus), Events: len(list)}

	for i, e := range list {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventRunStarted:
			replay.Status = schema.RunStatusRunning
			replay.StartedAt = &ts
		case schema.EventRunCompleted:
			replay.Status = schema.RunStatusCompleted
			replay.FinishedAt = &ts
		case schema.EventRunFailed:
			replay.Status = schema.RunStatusFailed
			replay.FinishedAt = &ts
		case schema.EventRunSkipped:
			replay.Status = schema.RunStatusSkipped
			replay.FinishedAt = &ts
		case schema.EventActionCompleted:
			replay.Actions[e.ActionID] = schema.ActionStatusCompleted
		case schema.EventActionFailed:
			replay.Actions[e.ActionID] = schema.ActionStatusFailed
		case schema.EventActionSkipped:
			replay.Actions[e.ActionID] = schema.ActionStatusSkipped
		case schema.EventActionPendingApproval:
			replay.Actions[e.ActionID] = schema.ActionStatusPendingApproval
		}
	}

	return replay, nil
}
