package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunSkipped   = "run_skipped"

	EventActionCompleted       = "action_completed"
	EventActionFailed          = "action_failed"
	EventActionSkipped         = "action_skipped"
	EventActionPendingApproval = "action_pending_approval"

	EventDeferralCreated  = "deferral_created"
	EventDeferralResolved = "deferral_resolved"

	EventNotification = "notification"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// IsTerminal reports whether the run has been finalized.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusSkipped
}

// ActionStatus is the outcome recorded for a single action in a run.
type ActionStatus string

const (
	ActionStatusCompleted       ActionStatus = "completed"
	ActionStatusFailed          ActionStatus = "failed"
	ActionStatusSkipped         ActionStatus = "skipped"
	ActionStatusPendingApproval ActionStatus = "pending_approval"
)

// EventForAction maps an action outcome to its event type.
func EventForAction(s ActionStatus) string {
	switch s {
	case ActionStatusCompleted:
		return EventActionCompleted
	case ActionStatusFailed:
		return EventActionFailed
	case ActionStatusSkipped:
		return EventActionSkipped
	default:
		return EventActionPendingApproval
	}
}

// EventForRun maps a terminal run status to its event type.
func EventForRun(s RunStatus) string {
	switch s {
	case RunStatusCompleted:
		return EventRunCompleted
	case RunStatusSkipped:
		return EventRunSkipped
	case RunStatusFailed:
		return EventRunFailed
	default:
		return EventRunStarted
	}
}

// DeferralKind distinguishes delayed actions from approval-gated ones.
type DeferralKind string

const (
	DeferralDelay    DeferralKind = "delay"
	DeferralApproval DeferralKind = "approval"
)

// DeferralStatus tracks a deferred action from creation to resolution.
type DeferralStatus string

const (
	DeferralPending  DeferralStatus = "pending"
	DeferralApproved DeferralStatus = "approved"
	DeferralRejected DeferralStatus = "rejected"
	DeferralDone     DeferralStatus = "done"
	DeferralFailed   DeferralStatus = "failed"
)
