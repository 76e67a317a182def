package storage

import (
	"context"
	"time"

	"github.com/cuemby/colony/pkg/types"
)

// JobFilter narrows job queries. Zero fields are ignored.
type JobFilter struct {
	Status  types.JobStatus
	AgentID string
	Since   time.Time
	Until   time.Time
}

// Matches reports whether the job satisfies every set filter field.
func (f JobFilter) Matches(j *types.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.AgentID != "" && j.AssignedAgentID != f.AgentID {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && j.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// AgentStore persists agent records
type AgentStore interface {
	PutAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	ListAgents(ctx context.Context) ([]*types.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// JobStore persists job records and the dead-letter sink.
// CreateJob is the atomic insert-or-fetch by idempotency key: when a
// non-empty key already maps to a job, that job is returned with
// existing=true and nothing is written.
type JobStore interface {
	CreateJob(ctx context.Context, job *types.Job) (stored *types.Job, existing bool, err error)
	PutJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*types.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error)
	AppendDeadLetter(ctx context.Context, dl *types.DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*types.DeadLetter, error)
}

// EventLog is the append-only write-ahead log. Append assigns a
// monotonically increasing position and returns it.
type EventLog interface {
	AppendEvent(ctx context.Context, event *types.Event) (uint64, error)
	RangeEvents(ctx context.Context, from uint64, fn func(*types.Event) error) error
	StreamEvents(ctx context.Context, streamID string) ([]*types.Event, error)
}

// BootstrapTokenStore persists the singleton bootstrap token record
type BootstrapTokenStore interface {
	PutBootstrapToken(ctx context.Context, token *types.BootstrapToken) error
	GetBootstrapToken(ctx context.Context) (*types.BootstrapToken, error)
}

// EnrollmentStore persists enrollment requests and the node block list
type EnrollmentStore interface {
	PutEnrollment(ctx context.Context, req *types.EnrollmentRequest) error
	GetEnrollment(ctx context.Context, id string) (*types.EnrollmentRequest, error)
	ListEnrollments(ctx context.Context, status types.EnrollmentStatus) ([]*types.EnrollmentRequest, error)
	BlockNode(ctx context.Context, nodeID string) error
	IsNodeBlocked(ctx context.Context, nodeID string) (bool, error)
}

// CertificateStore persists issued certificates and the server key material
type CertificateStore interface {
	PutCertificate(ctx context.Context, cert *types.Certificate) error
	GetCertificate(ctx context.Context, serial string) (*types.Certificate, error)
	GetCertificateByNode(ctx context.Context, nodeID string) (*types.Certificate, error)
	ListCertificates(ctx context.Context) ([]*types.Certificate, error)
	SaveServerKeys(ctx context.Context, data []byte) error
	GetServerKeys(ctx context.Context) ([]byte, error)
}

// RevocationStore persists revoked certificate serials
type RevocationStore interface {
	AddRevocation(ctx context.Context, rev *types.Revocation) error
	IsRevoked(ctx context.Context, serial string) (bool, error)
	ListRevocations(ctx context.Context) ([]*types.Revocation, error)
}

// Store is the combined persistence interface
type Store interface {
	AgentStore
	JobStore
	EventLog
	BootstrapTokenStore
	EnrollmentStore
	CertificateStore
	RevocationStore
	Close() error
}
