package job

import (
	"maps"
	"slices"
	"time"
)

// Owner identifies who a job is billed to and who may see it.
type Owner struct {
	Username string `json:"username"`
	Project  string `json:"project,omitempty"`
}

// Key returns the value jobs are listed by: the project when set, else the user.
func (o Owner) Key() string {
	if o.Project != "" {
		return "project:" + o.Project
	}
	return "user:" + o.Username
}

// Application references an entry in the application catalog.
type Application struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes how a provider should materialize the application.
type Tool struct {
	Backend string `json:"backend"` // e.g. "DOCKER"
	Image   string `json:"image,omitempty"`
}

// Resources are the requested machine resources.
type Resources struct {
	Nodes        int           `json:"nodes"`
	TasksPerNode int           `json:"tasksPerNode"`
	MaxTime      time.Duration `json:"maxTime"`
}

// Input is a file or folder mounted into the job.
type Input struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly"`
}

// Specification is fixed when the job is created.
type Specification struct {
	Application    Application       `json:"application"`
	Tool           Tool              `json:"tool"`
	Invocation     []string          `json:"invocation"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Provider       string            `json:"provider"`
	Product        string            `json:"product"`
	PricePerMinute int64             `json:"pricePerMinute"`
	Resources      Resources         `json:"resources"`
	OutputGlobs    []string          `json:"outputGlobs,omitempty"`
	Inputs         []Input           `json:"inputs,omitempty"`
	AllocationRef  string            `json:"allocationRef"`
}

// SettlementOutcome records what the accounting gateway decided.
type SettlementOutcome string

const (
	SettlementAccepted          SettlementOutcome = "ACCEPTED"
	SettlementInsufficientFunds SettlementOutcome = "INSUFFICIENT_FUNDS"
	SettlementProviderManaged   SettlementOutcome = "PROVIDER_MANAGED"
	SettlementNothingToCharge   SettlementOutcome = "NOTHING_TO_CHARGE"
)

// Settlement is the accounting record written once on the terminal transition.
type Settlement struct {
	Key              string            `json:"key"`
	Duration         time.Duration     `json:"duration"`
	Amount           int64             `json:"amount"`
	Outcome          SettlementOutcome `json:"outcome"`
	ProviderReported bool              `json:"providerReported"`
	Adjusted         bool              `json:"adjusted,omitempty"`
	SettledAt        time.Time         `json:"settledAt"`
}

// Job is the authoritative record of one unit of user work.
type Job struct {
	ID            string        `json:"id"`
	Owner         Owner         `json:"owner"`
	AccessToken   string        `json:"-"`
	Specification Specification `json:"specification"`

	State               State               `json:"state"`
	Status              string              `json:"status"`
	StateEnteredAt      map[State]time.Time `json:"stateEnteredAt"`
	ArchiveInCollection string              `json:"archiveInCollection,omitempty"`

	StartedAt         *time.Time  `json:"startedAt,omitempty"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
	CancelRequestedAt *time.Time  `json:"cancelRequestedAt,omitempty"`
	StuckCancellation bool        `json:"stuckCancellation,omitempty"`
	Settlement        *Settlement `json:"settlement,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResourceID implements the resource contract used by provider dispatch.
func (j *Job) ResourceID() string { return j.ID }

// Clone returns a deep copy so stored records never alias caller memory.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Specification.Invocation = slices.Clone(j.Specification.Invocation)
	c.Specification.Parameters = maps.Clone(j.Specification.Parameters)
	c.Specification.OutputGlobs = slices.Clone(j.Specification.OutputGlobs)
	c.Specification.Inputs = slices.Clone(j.Specification.Inputs)
	c.StateEnteredAt = maps.Clone(j.StateEnteredAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.CancelRequestedAt = cloneTime(j.CancelRequestedAt)
	if j.Settlement != nil {
		s := *j.Settlement
		c.Settlement = &s
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Enter moves the job into state s and stamps the entry time.
// Callers must have checked the transition with Decide.
func (j *Job) Enter(s State, at time.Time) {
	j.State = s
	if j.StateEnteredAt == nil {
		j.StateEnteredAt = make(map[State]time.Time)
	}
	if _, seen := j.StateEnteredAt[s]; !seen {
		j.StateEnteredAt[s] = at
	}
	if s == StateRunning && j.StartedAt == nil {
		j.StartedAt = &at
	}
	if s.Terminal() && j.CompletedAt == nil {
		j.CompletedAt = &at
	}
	j.UpdatedAt = at
}

// WallClock returns the orchestrator's view of how long the job ran.
func (j *Job) WallClock() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	if d := j.CompletedAt.Sub(*j.StartedAt); d > 0 {
		return d
	}
	return 0
}

// StateChangeEvent is a provider's proposal for the next state of a job.
// It is applied against the job and never stored on its own.
type StateChangeEvent struct {
	JobID         string `json:"jobId"`
	ProposedState State  `json:"newState"`
	StatusMessage string `json:"newStatus,omitempty"`
}

// ManagedBy selects who tracks the remaining balance of an allocation.
type ManagedBy string

const (
	ManagedByUCloud   ManagedBy = "UCLOUD"
	ManagedByProvider ManagedBy = "PROVIDER"
)

// DepositNotification tells a provider that credit was granted to a wallet.
type DepositNotification struct {
	AllocationID    string `json:"allocationId"`
	Owner           Owner  `json:"owner"`
	Amount          int64  `json:"amount"`
	ProductCategory string `json:"productCategory"`
}

// AllocationMode is the provider's answer to a deposit notification.
type AllocationMode struct {
	AllocationID string    `json:"allocationId"`
	ManagedBy    ManagedBy `json:"managedBy"`
	UniqueID     string    `json:"uniqueId,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// ManageThroughUCloud is the default answer: the orchestrator charges usage.
func ManageThroughUCloud(allocationID string) AllocationMode {
	return AllocationMode{AllocationID: allocationID, ManagedBy: ManagedByUCloud}
}

// ManageThroughProvider hands balance tracking to the provider under uniqueID.
func ManageThroughProvider(allocationID, uniqueID string) AllocationMode {
	return AllocationMode{AllocationID: allocationID, ManagedBy: ManagedByProvider, UniqueID: uniqueID}
}
