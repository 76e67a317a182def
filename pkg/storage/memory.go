package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/types"
)

// MemoryStore implements Store with in-process maps. It is the default
// for development and tests; semantics match BoltStore, including the
// atomic insert-or-fetch in CreateJob.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*types.Agent
	jobs        map[string]*types.Job
	jobsByKey   map[string]string
	events      []*types.Event
	nextPos     uint64
	token       *types.BootstrapToken
	enrollments map[string]*types.EnrollmentRequest
	blocked     map[string]bool
	certs       map[string]*types.Certificate
	revocations map[string]*types.Revocation
	deadLetters []*types.DeadLetter
	serverKeys  []byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*types.Agent),
		jobs:        make(map[string]*types.Job),
		jobsByKey:   make(map[string]string),
		enrollments: make(map[string]*types.EnrollmentRequest),
		blocked:     make(map[string]bool),
		certs:       make(map[string]*types.Certificate),
		revocations: make(map[string]*types.Revocation),
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

func copyJob(j *types.Job) *types.Job {
	c := *j
	if j.LastProgress != nil {
		p := *j.LastProgress
		c.LastProgress = &p
	}
	return &c
}

func copyAgent(a *types.Agent) *types.Agent {
	c := *a
	return &c
}

// Agent operations

func (s *MemoryStore) PutAgent(ctx context.Context, agent *types.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = copyAgent(agent)
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, errdefs.ErrUnknownAgent)
	}
	return copyAgent(agent), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*types.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, copyAgent(a))
	}
	return agents, nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

// Job operations

func (s *MemoryStore) CreateJob(ctx context.Context, job *types.Job) (*types.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.IdempotencyKey != "" {
		if id, ok := s.jobsByKey[job.IdempotencyKey]; ok {
			if prior, ok := s.jobs[id]; ok {
				return copyJob(prior), true, nil
			}
		}
	}

	s.jobs[job.ID] = copyJob(job)
	if job.IdempotencyKey != "" {
		s.jobsByKey[job.IdempotencyKey] = job.ID
	}
	return copyJob(job), false, nil
}

func (s *MemoryStore) PutJob(ctx context.Context, job *types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, errdefs.ErrUnknownJob)
	}
	return copyJob(job), nil
}

func (s *MemoryStore) GetJobByIdempotencyKey(ctx context.Context, key string) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.jobsByKey[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, errdefs.ErrUnknownJob)
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, errdefs.ErrUnknownJob)
	}
	return copyJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*types.Job
	for _, j := range s.jobs {
		if filter.Matches(j) {
			jobs = append(jobs, copyJob(j))
		}
	}
	return jobs, nil
}

func (s *MemoryStore) AppendDeadLetter(ctx context.Context, dl *types.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *dl
	s.deadLetters = append(s.deadLetters, &c)
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context) ([]*types.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	letters := make([]*types.DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		c := *dl
		letters = append(letters, &c)
	}
	return letters, nil
}

// Event log

func (s *MemoryStore) AppendEvent(ctx context.Context, event *types.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPos++
	event.Position = s.nextPos
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	c := *event
	s.events = append(s.events, &c)
	return event.Position, nil
}

func (s *MemoryStore) RangeEvents(ctx context.Context, from uint64, fn func(*types.Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	events := make([]*types.Event, 0, len(s.events))
	for _, e := range s.events {
		if e.Position >= from {
			c := *e
			events = append(events, &c)
		}
	}
	s.mu.RUnlock()

	for _, e := range events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) StreamEvents(ctx context.Context, streamID string) ([]*types.Event, error) {
	var events []*types.Event
	err := s.RangeEvents(ctx, 0, func(e *types.Event) error {
		if e.StreamID == streamID {
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

// Bootstrap token

func (s *MemoryStore) PutBootstrapToken(ctx context.Context, token *types.BootstrapToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *token
	s.token = &c
	return nil
}

func (s *MemoryStore) GetBootstrapToken(ctx context.Context) (*types.BootstrapToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, fmt.Errorf("bootstrap token: %w", errdefs.ErrInvalidToken)
	}
	c := *s.token
	return &c, nil
}

// Enrollments

func (s *MemoryStore) PutEnrollment(ctx context.Context, req *types.EnrollmentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *req
	s.enrollments[req.ID] = &c
	return nil
}

func (s *MemoryStore) GetEnrollment(ctx context.Context, id string) (*types.EnrollmentRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, errdefs.ErrUnknownEnrollment)
	}
	c := *req
	return &c, nil
}

func (s *MemoryStore) ListEnrollments(ctx context.Context, status types.EnrollmentStatus) ([]*types.EnrollmentRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var reqs []*types.EnrollmentRequest
	for _, req := range s.enrollments {
		if status == "" || req.Status == status {
			c := *req
			reqs = append(reqs, &c)
		}
	}
	return reqs, nil
}

func (s *MemoryStore) BlockNode(ctx context.Context, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[nodeID] = true
	return nil
}

func (s *MemoryStore) IsNodeBlocked(ctx context.Context, nodeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocked[nodeID], nil
}

// Certificates and server keys

func (s *MemoryStore) PutCertificate(ctx context.Context, cert *types.Certificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cert
	s.certs[cert.Serial] = &c
	return nil
}

func (s *MemoryStore) GetCertificate(ctx context.Context, serial string) (*types.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[serial]
	if !ok {
		return nil, fmt.Errorf("certificate %s: %w", serial, errdefs.ErrInvalidToken)
	}
	c := *cert
	return &c, nil
}

func (s *MemoryStore) GetCertificateByNode(ctx context.Context, nodeID string) (*types.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *types.Certificate
	for _, cert := range s.certs {
		if cert.NodeID == nodeID {
			if found == nil || cert.IssuedAt.After(found.IssuedAt) {
				found = cert
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, errdefs.ErrInvalidToken)
	}
	c := *found
	return &c, nil
}

func (s *MemoryStore) ListCertificates(ctx context.Context) ([]*types.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	certs := make([]*types.Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		c := *cert
		certs = append(certs, &c)
	}
	return certs, nil
}

func (s *MemoryStore) SaveServerKeys(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverKeys = make([]byte, len(data))
	copy(s.serverKeys, data)
	return nil
}

func (s *MemoryStore) GetServerKeys(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serverKeys == nil {
		return nil, fmt.Errorf("server keys: %w", errdefs.ErrKeyStoreUnavailable)
	}
	data := make([]byte, len(s.serverKeys))
	copy(data, s.serverKeys)
	return data, nil
}

// Revocations

func (s *MemoryStore) AddRevocation(ctx context.Context, rev *types.Revocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rev
	s.revocations[rev.Serial] = &c
	return nil
}

func (s *MemoryStore) IsRevoked(ctx context.Context, serial string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revocations[serial]
	return ok, nil
}

func (s *MemoryStore) ListRevocations(ctx context.Context) ([]*types.Revocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := make([]*types.Revocation, 0, len(s.revocations))
	for _, rev := range s.revocations {
		c := *rev
		revs = append(revs, &c)
	}
	return revs, nil
}
