package domain

const (
	KindAuthorize = "authorize"
	KindAct       = "act"
)

const (
	OpUnsubmitted = "unsubmitted"
	OpSubmitted   = "submitted"
	OpConfirmed   = "confirmed"
	OpReverted    = "reverted"
	OpTimedOut    = "timed_out"
)

const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	OwnerWorkflow = "workflow"
	OwnerBatch    = "batch"
)

// FieldDelta is the optimistic change an operation is expected to make to one
// account field once confirmed.
type FieldDelta struct {
	Field string `json:"field"`
	Delta Amount `json:"delta"`
}

// StepSpec is an operation template inside a workflow.
type StepSpec struct {
	Kind   string            `json:"kind" enum:"authorize,act"`
	Method string            `json:"method"`
	Args   map[string]string `json:"args,omitempty"`
	Deltas []FieldDelta      `json:"deltas,omitempty"`
}

type Operation struct {
	ID          string            `json:"id"`
	OwnerKind   string            `json:"owner_kind" enum:"workflow,batch"`
	OwnerID     string            `json:"owner_id"`
	StepIndex   int               `json:"step_index"`
	Account     string            `json:"account"`
	TargetKey   string            `json:"target_key"`
	Kind        string            `json:"kind" enum:"authorize,act"`
	Method      string            `json:"method"`
	Args        map[string]string `json:"args,omitempty"`
	Status      string            `json:"status" enum:"unsubmitted,submitted,confirmed,reverted,timed_out"`
	Handle      string            `json:"handle,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	SubmittedAt *string           `json:"submitted_at,omitempty" format:"date-time"`
	ResolvedAt  *string           `json:"resolved_at,omitempty" format:"date-time"`
}

// Unresolved reports whether the ledger may still act on the operation.
func (o Operation) Unresolved() bool {
	return o.Status == OpSubmitted || o.Status == OpTimedOut
}

type Workflow struct {
	ID           string      `json:"id"`
	Account      string      `json:"account"`
	Action       string      `json:"action"`
	TargetKey    string      `json:"target_key"`
	Steps        []StepSpec  `json:"steps"`
	CurrentIndex int         `json:"current_index"`
	State        string      `json:"state"`
	Status       string      `json:"status" enum:"idle,running,completed,failed"`
	Reason       string      `json:"reason,omitempty"`
	Abandoned    bool        `json:"abandoned,omitempty"`
	ActorID      string      `json:"actor_id"`
	Operations   []Operation `json:"operations,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	UpdatedAt    string      `json:"updated_at" format:"date-time"`
	CompletedAt  *string     `json:"completed_at,omitempty" format:"date-time"`
}

type BatchJob struct {
	ID           string      `json:"id"`
	Account      string      `json:"account"`
	TargetKey    string      `json:"target_key"`
	Method       string      `json:"method"`
	Items        []string    `json:"items"`
	CurrentIndex int         `json:"current_index"`
	State        string      `json:"state"`
	Status       string      `json:"status" enum:"idle,running,completed,failed"`
	Reason       string      `json:"reason,omitempty"`
	Abandoned    bool        `json:"abandoned,omitempty"`
	TriggeredBy  string      `json:"triggered_by,omitempty"`
	Resumes      int         `json:"resumes"`
	ActorID      string      `json:"actor_id"`
	Operations   []Operation `json:"operations,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	UpdatedAt    string      `json:"updated_at" format:"date-time"`
	CompletedAt  *string     `json:"completed_at,omitempty" format:"date-time"`
}

// Remaining returns the items not yet confirmed.
func (b BatchJob) Remaining() []string {
	if b.CurrentIndex >= len(b.Items) {
		return nil
	}
	return b.Items[b.CurrentIndex:]
}

// OverlayEntry is a provisional delta held only while OperationID is submitted.
type OverlayEntry struct {
	Account     string `json:"account"`
	Field       string `json:"field"`
	Delta       Amount `json:"delta"`
	OperationID string `json:"operation_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// TargetLock marks a target as owned by one running workflow or batch job.
type TargetLock struct {
	TargetKey  string `json:"target_key"`
	OwnerKind  string `json:"owner_kind"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	// LeaseHolder and LeaseExpiresAt are set while a driver is running the
	// owner. An expired or missing lease means nobody is.
	LeaseHolder    string  `json:"lease_holder,omitempty"`
	LeaseExpiresAt *string `json:"lease_expires_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Account    string `json:"account,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Delegate struct {
	Account   string `json:"account"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
