package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// --- Entities ---

func (s *SQLStore) UpsertEntity(ctx context.Context, e *Entity) error {
	tags, err := json.Marshal(orEmpty(e.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	attrs, err := marshalMap(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	e.UpdatedAt = timeOrNow(e.UpdatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO entities (tenant_id, id, name, stage, health_status, contact_name, contact_email, owner_id, days_in_stage, spend, tags, notes, attributes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET
		   name=excluded.name, stage=excluded.stage, health_status=excluded.health_status,
		   contact_name=excluded.contact_name, contact_email=excluded.contact_email, owner_id=excluded.owner_id,
		   days_in_stage=excluded.days_in_stage, spend=excluded.spend, tags=excluded.tags,
		   notes=excluded.notes, attributes=excluded.attributes, updated_at=excluded.updated_at`,
		e.TenantID, e.ID, e.Name, nullStr(e.Stage), nullStr(e.HealthStatus), nullStr(e.ContactName),
		nullStr(e.ContactEmail), nullStr(e.OwnerID), e.DaysInStage, e.Spend, string(tags),
		nullStr(e.Notes), attrs, e.UpdatedAt,
	)
	return err
}

func (s *SQLStore) GetEntity(ctx context.Context, tenantID, id string) (*Entity, error) {
	e := &Entity{}
	var stage, health, contactName, contactEmail, owner, notes, attrs sql.NullString
	var tags string
	err := s.queryRow(ctx,
		`SELECT tenant_id, id, name, stage, health_status, contact_name, contact_email, owner_id, days_in_stage, spend, tags, notes, attributes, updated_at
		 FROM entities WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&e.TenantID, &e.ID, &e.Name, &stage, &health, &contactName, &contactEmail, &owner,
		&e.DaysInStage, &e.Spend, &tags, &notes, &attrs, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("entity", id)
	}
	if err != nil {
		return nil, err
	}
	e.Stage = stage.String
	e.HealthStatus = health.String
	e.ContactName = contactName.String
	e.ContactEmail = contactEmail.String
	e.OwnerID = owner.String
	e.Notes = notes.String
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if e.Attributes, err = unmarshalMap(attrs); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return e, nil
}

// UpdateEntity applies the non-nil fields. A stage change resets
// days_in_stage.
func (s *SQLStore) UpdateEntity(ctx context.Context, tenantID, id string, u EntityUpdate) error {
	var sets []string
	var args []any

	if u.Stage != nil {
		sets = append(sets, "stage = ?", "days_in_stage = 0")
		args = append(args, *u.Stage)
	}
	if u.HealthStatus != nil {
		sets = append(sets, "health_status = ?")
		args = append(args, *u.HealthStatus)
	}
	if u.ContactName != nil {
		sets = append(sets, "contact_name = ?")
		args = append(args, *u.ContactName)
	}
	if u.ContactEmail != nil {
		sets = append(sets, "contact_email = ?")
		args = append(args, *u.ContactEmail)
	}
	if u.OwnerID != nil {
		sets = append(sets, "owner_id = ?")
		args = append(args, *u.OwnerID)
	}
	if u.Spend != nil {
		sets = append(sets, "spend = ?")
		args = append(args, *u.Spend)
	}
	if u.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *u.Notes)
	}
	if u.Tags != nil {
		tags, err := json.Marshal(orEmpty(*u.Tags))
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tags))
	}

	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), tenantID, id)

	query := "UPDATE entities SET " + strings.Join(sets, ", ") + " WHERE tenant_id = ? AND id = ?"
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "entity", id)
}

func (s *SQLStore) AppendStageEvent(ctx context.Context, ev *StageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	_, err := s.exec(ctx,
		`INSERT INTO stage_events (id, tenant_id, entity_id, from_stage, to_stage, source, workflow_id, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.EntityID, nullStr(ev.FromStage), ev.ToStage, ev.Source,
		nullStr(ev.WorkflowID), nullStr(ev.RunID), ev.CreatedAt,
	)
	return err
}

func (s *SQLStore) ListStageEvents(ctx context.Context, tenantID, entityID string) ([]*StageEvent, error) {
	rows, err := s.query(ctx,
		`SELECT id, tenant_id, entity_id, from_stage, to_stage, source, workflow_id, run_id, created_at
		 FROM stage_events WHERE tenant_id = ? AND entity_id = ? ORDER BY created_at, id`, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StageEvent
	for rows.Next() {
		ev := &StageEvent{}
		var from, wfID, runID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.EntityID, &from, &ev.ToStage, &ev.Source,
			&wfID, &runID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.FromStage = from.String
		ev.WorkflowID = wfID.String
		ev.RunID = runID.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Activities & metrics ---

func (s *SQLStore) RecordActivity(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.OccurredAt = timeOrNow(a.OccurredAt)
	_, err := s.exec(ctx,
		`INSERT INTO activities (id, tenant_id, entity_id, type, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.EntityID, a.Type, a.OccurredAt,
	)
	return err
}

func (s *SQLStore) LatestActivity(ctx context.Context, tenantID, entityID, activityType string) (*time.Time, error) {
	rows, err := s.query(ctx,
		`SELECT occurred_at FROM activities
		 WHERE tenant_id = ? AND entity_id = ? AND type = ?
		 ORDER BY occurred_at DESC LIMIT 1`, tenantID, entityID, activityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var t time.Time
	if err := rows.Scan(&t); err != nil {
		return nil, err
	}
	return &t, rows.Err()
}

func (s *SQLStore) RecordMetric(ctx context.Context, m *MetricSample) error {
	m.RecordedAt = timeOrNow(m.RecordedAt)
	_, err := s.exec(ctx,
		`INSERT INTO entity_metrics (tenant_id, entity_id, metric, value, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		m.TenantID, m.EntityID, m.Metric, m.Value, m.RecordedAt,
	)
	return err
}

func (s *SQLStore) CurrentMetric(ctx context.Context, tenantID, entityID, metric string) (float64, bool, error) {
	var v float64
	err := s.queryRow(ctx,
		`SELECT value FROM entity_metrics
		 WHERE tenant_id = ? AND entity_id = ? AND metric = ?
		 ORDER BY recorded_at DESC, id DESC LIMIT 1`, tenantID, entityID, metric,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// --- Tasks ---

func (s *SQLStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	_, err := s.exec(ctx,
		`INSERT INTO tasks (id, tenant_id, entity_id, title, description, priority, status, due_date, assigned_to, created_by, workflow_id, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.EntityID, t.Title, nullStr(t.Description), nullStr(t.Priority), t.Status,
		nullTime(t.DueDate), nullStr(t.AssignedTo), nullStr(t.CreatedBy), nullStr(t.WorkflowID),
		nullStr(t.RunID), t.CreatedAt,
	)
	return err
}

func (s *SQLStore) ListTasks(ctx context.Context, tenantID, entityID string) ([]*Task, error) {
	rows, err := s.query(ctx,
		`SELECT id, tenant_id, entity_id, title, description, priority, status, due_date, assigned_to, created_by, workflow_id, run_id, created_at
		 FROM tasks WHERE tenant_id = ? AND entity_id = ? ORDER BY created_at, id`, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		var desc, prio, assigned, createdBy, wfID, runID sql.NullString
		var due sql.NullTime
		if err := rows.Scan(&t.ID, &t.TenantID, &t.EntityID, &t.Title, &desc, &prio, &t.Status, &due,
			&assigned, &createdBy, &wfID, &runID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.Priority = prio.String
		t.AssignedTo = assigned.String
		t.CreatedBy = createdBy.String
		t.WorkflowID = wfID.String
		t.RunID = runID.String
		if due.Valid {
			d := due.Time
			t.DueDate = &d
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Tickets ---

// CreateTicket allocates the next per-tenant ticket number and inserts the
// ticket in one transaction.
func (s *SQLStore) CreateTicket(ctx context.Context, t *Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ticket tx: %w", err)
	}
	defer tx.Rollback()

	var number int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO ticket_sequences (tenant_id, last_number) VALUES (?, 1)
		 ON CONFLICT(tenant_id) DO UPDATE SET last_number = ticket_sequences.last_number + 1
		 RETURNING last_number`), t.TenantID,
	).Scan(&number)
	if err != nil {
		return fmt.Errorf("allocate ticket number: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO tickets (id, tenant_id, entity_id, number, title, description, priority, category, status, created_by, workflow_id, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TenantID, t.EntityID, number, t.Title, nullStr(t.Description), nullStr(t.Priority),
		nullStr(t.Category), t.Status, nullStr(t.CreatedBy), nullStr(t.WorkflowID), nullStr(t.RunID), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ticket: %w", err)
	}
	t.Number = number
	return nil
}

func (s *SQLStore) ListTickets(ctx context.Context, tenantID, entityID string) ([]*Ticket, error) {
	rows, err := s.query(ctx,
		`SELECT id, tenant_id, entity_id, number, title, description, priority, category, status, created_by, workflow_id, run_id, created_at
		 FROM tickets WHERE tenant_id = ? AND entity_id = ? ORDER BY number`, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t := &Ticket{}
		var desc, prio, cat, createdBy, wfID, runID sql.NullString
		if err := rows.Scan(&t.ID, &t.TenantID, &t.EntityID, &t.Number, &t.Title, &desc, &prio, &cat,
			&t.Status, &createdBy, &wfID, &runID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.Priority = prio.String
		t.Category = cat.String
		t.CreatedBy = createdBy.String
		t.WorkflowID = wfID.String
		t.RunID = runID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Alerts ---

func (s *SQLStore) CreateAlert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	meta, err := marshalMap(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}
	a.CreatedAt = timeOrNow(a.CreatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO alerts (id, tenant_id, entity_id, title, description, severity, alert_type, confidence, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, nullStr(a.EntityID), a.Title, nullStr(a.Description), nullStr(a.Severity),
		nullStr(a.AlertType), a.Confidence, meta, a.CreatedAt,
	)
	return err
}

func (s *SQLStore) ListAlerts(ctx context.Context, tenantID string) ([]*Alert, error) {
	rows, err := s.query(ctx,
		`SELECT id, tenant_id, entity_id, title, description, severity, alert_type, confidence, metadata, created_at
		 FROM alerts WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a := &Alert{}
		var entityID, desc, sev, typ, meta sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &entityID, &a.Title, &desc, &sev, &typ,
			&a.Confidence, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.EntityID = entityID.String
		a.Description = desc.String
		a.Severity = sev.String
		a.AlertType = typ.String
		if a.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, fmt.Errorf("unmarshal alert metadata: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
