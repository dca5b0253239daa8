package schema

import "time"

// EntitySnapshot is a point-in-time read of the client a run acts on. It is
// taken once per run and never re-fetched.
type EntitySnapshot struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	Name         string         `json:"name"`
	Stage        string         `json:"stage,omitempty"`
	HealthStatus string         `json:"healthStatus,omitempty"`
	ContactName  string         `json:"contactName,omitempty"`
	ContactEmail string         `json:"contactEmail,omitempty"`
	OwnerID      string         `json:"ownerId,omitempty"`
	DaysInStage  int            `json:"daysInStage"`
	Spend        float64        `json:"spend"`
	Tags         []string       `json:"tags,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt,omitempty"`
}

// Fields returns the snapshot as a nested map for path resolution. Custom
// attributes are merged in without overriding the fixed fields.
func (s *EntitySnapshot) Fields() map[string]any {
	if s == nil {
		return nil
	}
	tags := make([]any, len(s.Tags))
	for i, t := range s.Tags {
		tags[i] = t
	}
	m := map[string]any{
		"id":           s.ID,
		"name":         s.Name,
		"stage":        s.Stage,
		"healthStatus": s.HealthStatus,
		"contactName":  s.ContactName,
		"contactEmail": s.ContactEmail,
		"ownerId":      s.OwnerID,
		"daysInStage":  s.DaysInStage,
		"spend":        s.Spend,
		"tags":         tags,
		"notes":        s.Notes,
	}
	for k, v := range s.Attributes {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}

// Clone returns a deep copy of the snapshot.
func (s *EntitySnapshot) Clone() *EntitySnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	if s.Attributes != nil {
		c.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// ActionResult records the outcome of one action in a run. Immutable once
// appended.
type ActionResult struct {
	ActionID   string         `json:"actionId"`
	ActionType ActionType     `json:"actionType"`
	Status     ActionStatus   `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executedAt"`
	DurationMs int64          `json:"durationMs"`
}

// WorkflowRun is the audit record of one execution.
type WorkflowRun struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	WorkflowID     string         `json:"workflowId"`
	EntityID       string         `json:"entityId,omitempty"`
	TriggerData    map[string]any `json:"triggerData,omitempty"`
	Status         RunStatus      `json:"status"`
	Error          string         `json:"error,omitempty"`
	Results        []ActionResult `json:"results"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	FinishedAt     *time.Time     `json:"finishedAt,omitempty"`
}

// Success reports whether no action result failed.
func Success(results []ActionResult) bool {
	for _, r := range results {
		if r.Status == ActionStatusFailed {
			return false
		}
	}
	return true
}
