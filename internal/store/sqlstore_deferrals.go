package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// --- Deferrals ---

func (s *SQLStore) CreateDeferral(ctx context.Context, d *Deferral) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = schema.DeferralPending
	}
	trigger, err := marshalMap(d.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	d.CreatedAt = timeOrNow(d.CreatedAt)
	d.UpdatedAt = d.CreatedAt
	d.DueAt = timeOrNow(d.DueAt)
	_, err = s.exec(ctx,
		`INSERT INTO deferrals (id, tenant_id, run_id, workflow_id, action_id, kind, status, entity_id, trigger_data, due_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.RunID, d.WorkflowID, d.ActionID, string(d.Kind), string(d.Status),
		nullStr(d.EntityID), trigger, d.DueAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *SQLStore) GetDeferral(ctx context.Context, tenantID, id string) (*Deferral, error) {
	rows, err := s.query(ctx, deferralSelect+` WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanDeferrals(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, storeNotFound("deferral", id)
	}
	return list[0], nil
}

func (s *SQLStore) ListDeferrals(ctx context.Context, filter DeferralFilter) ([]*Deferral, error) {
	query := deferralSelect
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DueBefore != nil {
		where = append(where, "due_at <= ?")
		args = append(args, filter.DueBefore.UTC())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeferrals(rows)
}

// UpdateDeferral applies the update. With ExpectStatus set, a deferral that
// has moved on is reported as a CONFLICT.
func (s *SQLStore) UpdateDeferral(ctx context.Context, id string, u DeferralUpdate) error {
	var sets []string
	var args []any

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.DecidedBy != "" {
		sets = append(sets, "decided_by = ?")
		args = append(args, u.DecidedBy)
	}
	if u.DecidedAt != nil {
		sets = append(sets, "decided_at = ?")
		args = append(args, u.DecidedAt.UTC())
	}
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("marshal deferral result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(b))
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := "UPDATE deferrals SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if u.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*u.ExpectStatus))
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if u.ExpectStatus == nil {
		return storeNotFound("deferral", id)
	}

	var status string
	err = s.queryRow(ctx, `SELECT status FROM deferrals WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("deferral", id)
	}
	if err != nil {
		return err
	}
	return deferralConflict(id, status, *u.ExpectStatus)
}

const deferralSelect = `SELECT id, tenant_id, run_id, workflow_id, action_id, kind, status, entity_id, trigger_data, due_at, decided_by, decided_at, result, created_at, updated_at FROM deferrals`

func scanDeferrals(rows *sql.Rows) ([]*Deferral, error) {
	var out []*Deferral
	for rows.Next() {
		d := &Deferral{}
		var kind, status string
		var entityID, trigger, decidedBy, result sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.TenantID, &d.RunID, &d.WorkflowID, &d.ActionID, &kind, &status,
			&entityID, &trigger, &d.DueAt, &decidedBy, &decidedAt, &result, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Kind = schema.DeferralKind(kind)
		d.Status = schema.DeferralStatus(status)
		d.EntityID = entityID.String
		d.DecidedBy = decidedBy.String
		if decidedAt.Valid {
			t := decidedAt.Time
			d.DecidedAt = &t
		}
		var err error
		if d.TriggerData, err = unmarshalMap(trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_data: %w", err)
		}
		if result.Valid && result.String != "" {
			d.Result = &schema.ActionResult{}
			if err := json.Unmarshal([]byte(result.String), d.Result); err != nil {
				return nil, fmt.Errorf("unmarshal deferral result: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func deferralConflict(id, status string, expected schema.DeferralStatus) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"deferral %s is %s, expected %s", id, status, expected).
		WithDetails(map[string]any{"deferral_id": id, "status": status})
}

// --- Scheduled jobs ---

func (s *SQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	trigger, err := marshalMap(job.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO scheduled_jobs (id, tenant_id, workflow_id, entity_id, cron_expression, trigger_data, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.WorkflowID, nullStr(job.EntityID), job.CronExpression, trigger,
		boolInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return err
}

func (s *SQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	rows, err := s.query(ctx, jobSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, storeNotFound("scheduled job", id)
	}
	return list[0], nil
}

func (s *SQLStore) UpdateScheduledJob(ctx context.Context, id string, u ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if u.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*u.Enabled))
	}
	if u.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, u.LastRunAt.UTC())
	}
	if u.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, u.NextRunAt.UTC())
	}
	if u.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, u.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.exec(ctx, "UPDATE scheduled_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *SQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := jobSelect
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

const jobSelect = `SELECT id, tenant_id, workflow_id, entity_id, cron_expression, trigger_data, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`

func scanJobs(rows *sql.Rows) ([]*ScheduledJob, error) {
	var out []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var entityID, trigger, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.TenantID, &j.WorkflowID, &entityID, &j.CronExpression, &trigger,
			&j.Enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.EntityID = entityID.String
		j.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			t := lastRun.Time
			j.LastRunAt = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			j.NextRunAt = &t
		}
		var err error
		if j.TriggerData, err = unmarshalMap(trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_data: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
