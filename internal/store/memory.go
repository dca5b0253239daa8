package store

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// MemoryStore is an in-process Store. It backs tests and the "memory"
// driver. Values are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*schema.WorkflowDefinition // tenant/id
	runs        map[string]*schema.WorkflowRun
	entities    map[string]*Entity // tenant/id
	stageEvents []*StageEvent
	activities  []*Activity
	metrics     []*MetricSample
	tasks       []*Task
	tickets     []*Ticket
	ticketSeq   map[string]int64
	alerts      []*Alert
	events      map[string][]*Event
	eventID     int64
	deferrals   map[string]*Deferral
	jobs        map[string]*ScheduledJob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.WorkflowDefinition),
		runs:      make(map[string]*schema.WorkflowRun),
		entities:  make(map[string]*Entity),
		ticketSeq: make(map[string]int64),
		events:    make(map[string][]*Event),
		deferrals: make(map[string]*Deferral),
		jobs:      make(map[string]*ScheduledJob),
	}
}

func tenantKey(tenantID, id string) string { return tenantID + "/" + id }

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// --- Workflows ---

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantKey(wf.TenantID, wf.ID)
	now := time.Now().UTC()
	wf.Version = 1
	if prev, ok := m.workflows[key]; ok {
		wf.Version = prev.Version + 1
		wf.CreatedAt = prev.CreatedAt
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	m.workflows[key] = cloneJSON(wf)
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, tenantID, id string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[tenantKey(tenantID, id)]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return cloneJSON(wf), nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowDefinition
	for _, wf := range m.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		if filter.ActiveOnly && !wf.Active {
			continue
		}
		out = append(out, cloneJSON(wf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey(tenantID, id)
	if _, ok := m.workflows[key]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, key)
	return nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	m.runs[run.ID] = cloneJSON(run)
	return nil
}

func (m *MemoryStore) CompleteRun(_ context.Context, runID string, c RunCompletion) error {
	if !c.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot complete run %s with status %q", runID, c.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if run.Status != schema.RunStatusRunning {
		return alreadyFinalized(runID, string(run.Status))
	}
	finished := timeOrNow(c.FinishedAt)
	run.Status = c.Status
	run.Error = c.Error
	run.Results = *cloneJSON(&c.Results)
	if run.Results == nil {
		run.Results = []schema.ActionResult{}
	}
	run.FinishedAt = &finished
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, tenantID, runID string) (*schema.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, storeNotFound("run", runID)
	}
	return cloneJSON(run), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowRun
	for _, r := range m.runs {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.EntityID != "" && r.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		out = append(out, cloneJSON(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit), nil
}

// --- Entities ---

func (m *MemoryStore) UpsertEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.UpdatedAt = timeOrNow(e.UpdatedAt)
	m.entities[tenantKey(e.TenantID, e.ID)] = e.Clone()
	return nil
}

func (m *MemoryStore) GetEntity(_ context.Context, tenantID, id string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[tenantKey(tenantID, id)]
	if !ok {
		return nil, storeNotFound("entity", id)
	}
	return e.Clone(), nil
}

func (m *MemoryStore) UpdateEntity(_ context.Context, tenantID, id string, u EntityUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[tenantKey(tenantID, id)]
	if !ok {
		return storeNotFound("entity", id)
	}
	if u.Empty() {
		return nil
	}
	if u.Stage != nil {
		e.Stage = *u.Stage
		e.DaysInStage = 0
	}
	if u.HealthStatus != nil {
		e.HealthStatus = *u.HealthStatus
	}
	if u.ContactName != nil {
		e.ContactName = *u.ContactName
	}
	if u.ContactEmail != nil {
		e.ContactEmail = *u.ContactEmail
	}
	if u.OwnerID != nil {
		e.OwnerID = *u.OwnerID
	}
	if u.Spend != nil {
		e.Spend = *u.Spend
	}
	if u.Notes != nil {
		e.Notes = *u.Notes
	}
	if u.Tags != nil {
		e.Tags = append([]string{}, (*u.Tags)...)
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendStageEvent(_ context.Context, ev *StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	c := *ev
	m.stageEvents = append(m.stageEvents, &c)
	return nil
}

func (m *MemoryStore) ListStageEvents(_ context.Context, tenantID, entityID string) ([]*StageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StageEvent
	for _, ev := range m.stageEvents {
		if ev.TenantID == tenantID && ev.EntityID == entityID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- Activities & metrics ---

func (m *MemoryStore) RecordActivity(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.OccurredAt = timeOrNow(a.OccurredAt)
	c := *a
	m.activities = append(m.activities, &c)
	return nil
}

func (m *MemoryStore) LatestActivity(_ context.Context, tenantID, entityID, activityType string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *time.Time
	for _, a := range m.activities {
		if a.TenantID != tenantID || a.EntityID != entityID || a.Type != activityType {
			continue
		}
		if latest == nil || a.OccurredAt.After(*latest) {
			t := a.OccurredAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *MemoryStore) RecordMetric(_ context.Context, s *MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.RecordedAt = timeOrNow(s.RecordedAt)
	c := *s
	m.metrics = append(m.metrics, &c)
	return nil
}

// CurrentMetric returns the newest sample; ties go to the one recorded last.
func (m *MemoryStore) CurrentMetric(_ context.Context, tenantID, entityID, metric string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *MetricSample
	for _, s := range m.metrics {
		if s.TenantID != tenantID || s.EntityID != entityID || s.Metric != metric {
			continue
		}
		if found == nil || !s.RecordedAt.Before(found.RecordedAt) {
			found = s
		}
	}
	if found == nil {
		return 0, false, nil
	}
	return found.Value, true, nil
}

// --- Tasks, tickets, alerts ---

func (m *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	c := *t
	m.tasks = append(m.tasks, &c)
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, tenantID, entityID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.TenantID == tenantID && t.EntityID == entityID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTicket(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	m.ticketSeq[t.TenantID]++
	t.Number = m.ticketSeq[t.TenantID]
	c := *t
	m.tickets = append(m.tickets, &c)
	return nil
}

func (m *MemoryStore) ListTickets(_ context.Context, tenantID, entityID string) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Ticket
	for _, t := range m.tickets {
		if t.TenantID == tenantID && t.EntityID == entityID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = timeOrNow(a.CreatedAt)
	m.alerts = append(m.alerts, cloneJSON(a))
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, tenantID string) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.alerts {
		if a.TenantID == tenantID {
			out = append(out, cloneJSON(a))
		}
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	c := *event
	m.events[event.RunID] = append(m.events[event.RunID], &c)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- Deferrals ---

func (m *MemoryStore) CreateDeferral(_ context.Context, d *Deferral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = schema.DeferralPending
	}
	d.CreatedAt = timeOrNow(d.CreatedAt)
	d.UpdatedAt = d.CreatedAt
	d.DueAt = timeOrNow(d.DueAt)
	m.deferrals[d.ID] = cloneJSON(d)
	return nil
}

func (m *MemoryStore) GetDeferral(_ context.Context, tenantID, id string) (*Deferral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deferrals[id]
	if !ok || d.TenantID != tenantID {
		return nil, storeNotFound("deferral", id)
	}
	return cloneJSON(d), nil
}

func (m *MemoryStore) ListDeferrals(_ context.Context, filter DeferralFilter) ([]*Deferral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Deferral
	for _, d := range m.deferrals {
		if filter.TenantID != "" && d.TenantID != filter.TenantID {
			continue
		}
		if filter.RunID != "" && d.RunID != filter.RunID {
			continue
		}
		if filter.Kind != "" && d.Kind != filter.Kind {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if filter.DueBefore != nil && d.DueAt.After(*filter.DueBefore) {
			continue
		}
		out = append(out, cloneJSON(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit), nil
}

func (m *MemoryStore) UpdateDeferral(_ context.Context, id string, u DeferralUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deferrals[id]
	if !ok {
		return storeNotFound("deferral", id)
	}
	if u.ExpectStatus != nil && d.Status != *u.ExpectStatus {
		return deferralConflict(id, string(d.Status), *u.ExpectStatus)
	}
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.DecidedBy != "" {
		d.DecidedBy = u.DecidedBy
	}
	if u.DecidedAt != nil {
		t := u.DecidedAt.UTC()
		d.DecidedAt = &t
	}
	if u.Result != nil {
		d.Result = cloneJSON(u.Result)
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Scheduled jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	m.jobs[job.ID] = cloneJSON(job)
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	return cloneJSON(j), nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, u ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if u.Enabled != nil {
		j.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		t := u.LastRunAt.UTC()
		j.LastRunAt = &t
	}
	if u.NextRunAt != nil {
		t := u.NextRunAt.UTC()
		j.NextRunAt = &t
	}
	if u.LastRunStatus != "" {
		j.LastRunStatus = u.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledJob
	for _, j := range m.jobs {
		if filter.TenantID != "" && j.TenantID != filter.TenantID {
			continue
		}
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, cloneJSON(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit), nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

// cloneJSON deep-copies v through a JSON round trip, matching what the SQL
// backends hand back.
func cloneJSON[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: clone: " + err.Error())
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic("store: clone: " + err.Error())
	}
	return &out
}

func limit[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLStore)(nil)
