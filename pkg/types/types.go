package types

import (
	"time"
)

// Agent represents a worker node enrolled in the mesh
type Agent struct {
	ID            string
	Name          string
	Capabilities  []*Capability
	Group         string
	Metadata      map[string]string
	Status        AgentStatus
	LastHeartbeat time.Time
	ConnID        string // Current hub connection; empty when not connected
	CertSerial    string // Serial of the certificate the agent authenticated with
	CreatedAt     time.Time
}

// HasCapability reports whether the agent declares the named capability.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether every name is declared by the agent.
func (a *Agent) HasAllCapabilities(names []string) bool {
	for _, n := range names {
		if !a.HasCapability(n) {
			return false
		}
	}
	return true
}

// Capability is a declarative tag used for job matching
type Capability struct {
	Name    string
	Version string
	Params  map[string]string
}

// AgentStatus represents the lifecycle state of an agent
type AgentStatus string

const (
	AgentStatusCreated      AgentStatus = "created"
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusReady        AgentStatus = "ready"
	AgentStatusRunning      AgentStatus = "running"
	AgentStatusPaused       AgentStatus = "paused"
	AgentStatusStopping     AgentStatus = "stopping"
	AgentStatusStopped      AgentStatus = "stopped"
	AgentStatusFaulted      AgentStatus = "faulted"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// Connected reports whether the status implies a live hub session.
func (s AgentStatus) Connected() bool {
	switch s {
	case AgentStatusReady, AgentStatusRunning, AgentStatusPaused:
		return true
	}
	return false
}

// Certificate is an immutable per-node credential signed by the server
type Certificate struct {
	Serial       string
	NodeID       string
	PublicKey    []byte // Ed25519 public key of the node
	ServerID     string
	Capabilities []string // Capabilities granted at enrollment
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Signature    []byte // Server signature over the canonical record
}

// Revocation records a revoked certificate serial
type Revocation struct {
	Serial    string
	NodeID    string
	Reason    string
	Actor     string
	RevokedAt time.Time
}

// BootstrapToken is the singleton admission secret for TOFU enrollment.
// Only the salted hash is persisted; the plaintext is shown once at creation.
type BootstrapToken struct {
	ID          string
	Hash        []byte
	Enabled     bool
	AutoApprove bool
	CreatedAt   time.Time
}

// EnrollmentStatus represents the state of an enrollment request
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentApproved EnrollmentStatus = "approved"
	EnrollmentRejected EnrollmentStatus = "rejected"
	EnrollmentExpired  EnrollmentStatus = "expired"
)

// Terminal reports whether the enrollment has been decided or expired.
func (s EnrollmentStatus) Terminal() bool {
	return s != EnrollmentPending
}

// EnrollmentRequest is a node's TOFU admission request awaiting an admin decision
type EnrollmentRequest struct {
	ID                    string
	NodeID                string
	NodeName              string
	PublicKey             []byte
	RequestedCapabilities []string
	Signature             []byte // Node signature over NodeID|PublicKey
	SubmittedAt           time.Time
	Status                EnrollmentStatus
	GrantedCapabilities   []string
	DecidedAt             time.Time
	DecidedBy             string
	CertSerial            string // Set on approval
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimedOut  JobStatus = "timedout"
)

// Job is the authoritative record of a unit of work
type Job struct {
	ID                   string
	IdempotencyKey       string
	Command              string
	Parameters           []byte // Opaque handler payload
	Priority             int
	Timeout              time.Duration // Execution timeout once Running
	MaxRetries           int
	TargetAgentID        string // Pin to a specific agent; empty = any eligible
	RequiredCapabilities []string
	CorrelationID        string
	Metadata             map[string]string

	Status          JobStatus
	AssignedAgentID string
	AttemptCount    int
	CreatedAt       time.Time
	AssignedAt      time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	LastProgress    *JobProgress
	Result          []byte
	Error           string
	ErrorCode       string
}

// Terminal reports whether the job status is write-once final.
// Failed and TimedOut are terminal only once retries are exhausted.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed, JobStatusTimedOut:
		return j.AttemptCount > j.MaxRetries
	}
	return false
}

// InFlight reports whether the job currently occupies an agent.
func (j *Job) InFlight() bool {
	return j.Status == JobStatusAssigned || j.Status == JobStatusRunning
}

// JobProgress is a lossy, latest-wins progress report for a running job
type JobProgress struct {
	JobID      string
	Percent    int
	Message    string
	ReportedAt time.Time
}

// JobResult carries the terminal outcome reported by an agent
type JobResult struct {
	JobID       string
	Success     bool
	Output      []byte
	Error       string
	ErrorCode   string
	CompletedAt time.Time
}

// StreamItem is one ordered chunk of output from a running job.
// Sequences are contiguous per job starting at 0; End marks the last item.
type StreamItem struct {
	JobID    string
	Sequence uint64
	Payload  []byte
	End      bool
}

// SubmitRequest is a client's request to create a job
type SubmitRequest struct {
	IdempotencyKey       string
	Command              string
	Parameters           []byte
	Priority             int
	Timeout              time.Duration
	MaxRetries           *int // nil = server default
	TargetAgentID        string
	RequiredCapabilities []string
	CorrelationID        string
	Metadata             map[string]string
}

// SubmitResult is the immediate response to a submission.
// Backpressure and eligibility are never surfaced here; the job id is
// returned as soon as the record exists and the status is queryable.
type SubmitResult struct {
	JobID    string
	Accepted bool
	Existing bool // True when the idempotency key matched a prior job
	Reason   string
}

// Event is one append-only record in the write-ahead event log
type Event struct {
	Position  uint64 // Monotonic log position, assigned by the store
	StreamID  string // Job or agent id the event belongs to
	Sequence  uint64 // Per-stream sequence
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// DeadLetter records a job that exhausted its retries
type DeadLetter struct {
	JobID      string
	Command    string
	Attempts   int
	LastError  string
	RecordedAt time.Time
}
