// Package dispatcher routes pending jobs to eligible agents and drives
// the job lifecycle state machine.
//
// Routing is push-based with bounded per-agent send channels: when an
// agent's channel is full the job simply stays Pending and is retried
// on the next tick, so backpressure never reaches the submitter. All
// lifecycle mutations go through the transition table in fsm.go; the
// dispatcher only requests transitions and reacts to their outcomes.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// Sender delivers server-to-agent calls. Implemented by the hub.
type Sender interface {
	AssignJob(ctx context.Context, agentID string, job *types.Job) error
	CancelJob(ctx context.Context, agentID, jobID, reason string) error
}

// Config is the dispatcher tuning surface
type Config struct {
	Tick           time.Duration
	AckTimeout     time.Duration
	PerAgentQueue  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type agentState struct {
	queue       chan *types.Job
	outstanding int
	lastAssign  time.Time
}

// Dispatcher owns routing, timers, retries and reassignment
type Dispatcher struct {
	cfg      Config
	machine  *Machine
	store    storage.JobStore
	registry *registry.Registry
	jobs     *jobs.Service
	sender   Sender
	exec     *Executor
	timers   *timerWheel
	logger   zerolog.Logger

	mu        sync.Mutex
	agents    map[string]*agentState
	notBefore map[string]time.Time // job id -> earliest dispatch instant

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
}

// New creates a dispatcher. Wire the sender with SetSender before Start.
func New(cfg Config, machine *Machine, store storage.JobStore, reg *registry.Registry, jobSvc *jobs.Service) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		machine:   machine,
		store:     store,
		registry:  reg,
		jobs:      jobSvc,
		exec:      NewExecutor(),
		agents:    make(map[string]*agentState),
		notBefore: make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("dispatcher"),
	}
	d.timers = newTimerWheel(d.onDeadline)
	return d
}

// SetSender wires the hub side. Must be called before Start.
func (d *Dispatcher) SetSender(s Sender) {
	d.sender = s
}

// Start recovers in-flight state and begins the routing loop
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.machine.Recover(ctx); err != nil {
		return err
	}
	if err := d.recoverInFlight(ctx); err != nil {
		return err
	}

	d.runCtx, d.cancel = context.WithCancel(context.Background())
	d.timers.start()
	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop halts the routing loop, the timers, and all agent consumers
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.timers.stop()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Lock()
		for _, st := range d.agents {
			close(st.queue)
		}
		d.agents = make(map[string]*agentState)
		d.mu.Unlock()
	})
	d.wg.Wait()
}

// recoverInFlight returns jobs that were Assigned or Running at crash
// time to Pending when their agent is gone. Connected agents keep their
// work; their sessions survive only in-memory state, so after a restart
// every agent reconnects and in-flight jobs are rejected then too.
func (d *Dispatcher) recoverInFlight(ctx context.Context) error {
	for _, status := range []types.JobStatus{types.JobStatusAssigned, types.JobStatusRunning} {
		inflight, err := d.store.ListJobs(ctx, storage.JobFilter{Status: status})
		if err != nil {
			return fmt.Errorf("recover in-flight jobs: %w", err)
		}
		for _, job := range inflight {
			agent, err := d.registry.Get(job.AssignedAgentID)
			if err == nil && agent.Status.Connected() {
				continue
			}
			if _, err := d.machine.Fire(ctx, job, TriggerReject, "agent lost across restart"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Enqueue nudges the routing loop; the job itself is read back from
// the store on the next pass.
func (d *Dispatcher) Enqueue(jobID string) {
	d.nudge()
}

func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.dispatchPending(d.runCtx)
		case <-d.wake:
			d.dispatchPending(d.runCtx)
		case <-d.stopCh:
			return
		}
	}
}

// dispatchPending routes every currently dispatchable pending job.
// Order is priority descending, then FIFO on creation time.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	pending, err := d.store.ListJobs(ctx, storage.JobFilter{Status: types.JobStatusPending})
	if err != nil {
		d.logger.Error().Err(err).Msg("pending scan failed")
		return
	}

	now := time.Now()
	dispatchable := pending[:0]
	for _, job := range pending {
		d.mu.Lock()
		nb, held := d.notBefore[job.ID]
		d.mu.Unlock()
		if held && now.Before(nb) {
			continue
		}
		dispatchable = append(dispatchable, job)
	}

	sort.Slice(dispatchable, func(i, j int) bool {
		if dispatchable[i].Priority != dispatchable[j].Priority {
			return dispatchable[i].Priority > dispatchable[j].Priority
		}
		return dispatchable[i].CreatedAt.Before(dispatchable[j].CreatedAt)
	})

	for _, job := range dispatchable {
		if err := d.dispatchOne(ctx, job); err != nil {
			if !errdefs.IsTransient(err) && !errdefs.Is(err, errdefs.ErrNoEligibleAgent) && !errdefs.Is(err, errdefs.ErrQueueFull) {
				d.logger.Error().Str("job_id", job.ID).Err(err).Msg("dispatch failed")
			}
		}
	}
}

// dispatchOne selects an agent and hands the job to its consumer.
// Capacity and eligibility misses leave the job Pending; they are
// internal conditions, never surfaced to the submitter.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *types.Job) error {
	agentID, err := d.selectAgent(job)
	if err != nil {
		return err
	}

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok {
		st = &agentState{queue: make(chan *types.Job, d.cfg.PerAgentQueue)}
		d.agents[agentID] = st
		d.wg.Add(1)
		go d.consume(agentID, st)
	}
	if len(st.queue) == cap(st.queue) {
		d.mu.Unlock()
		return errdefs.ErrQueueFull
	}
	d.mu.Unlock()

	applied, err := d.machine.Fire(ctx, job, TriggerAssign, agentID)
	if err != nil || !applied {
		return err
	}

	d.mu.Lock()
	st.outstanding++
	st.lastAssign = time.Now()
	delete(d.notBefore, job.ID)
	select {
	case st.queue <- job:
	default:
		// Raced with a concurrent fill; undo the assignment.
		d.mu.Unlock()
		_, _ = d.machine.Fire(ctx, job, TriggerReject, "queue full")
		d.release(agentID, job.ID)
		return errdefs.ErrQueueFull
	}
	d.mu.Unlock()

	d.timers.schedule(job.ID, deadlineAck, time.Now().Add(d.cfg.AckTimeout))
	return nil
}

// selectAgent applies the routing policy: a pinned target must be
// Ready; otherwise capability-eligible connected agents compete on
// lowest outstanding count, ties broken by earliest last assignment.
func (d *Dispatcher) selectAgent(job *types.Job) (string, error) {
	if job.TargetAgentID != "" {
		agent, err := d.registry.Get(job.TargetAgentID)
		if err != nil {
			return "", errdefs.ErrNoEligibleAgent
		}
		if agent.Status != types.AgentStatusReady {
			return "", errdefs.ErrNoEligibleAgent
		}
		return agent.ID, nil
	}

	var candidates []*types.Agent
	for _, agent := range d.registry.Connected() {
		if agent.Status != types.AgentStatusReady && agent.Status != types.AgentStatusRunning {
			continue
		}
		if !agent.HasAllCapabilities(job.RequiredCapabilities) {
			continue
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return "", errdefs.ErrNoEligibleAgent
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	best := candidates[0]
	bestState := d.stateOf(best.ID)
	for _, agent := range candidates[1:] {
		st := d.stateOf(agent.ID)
		if st.outstanding < bestState.outstanding ||
			(st.outstanding == bestState.outstanding && st.lastAssign.Before(bestState.lastAssign)) {
			best, bestState = agent, st
		}
	}
	return best.ID, nil
}

// stateOf returns bookkeeping for an agent, zero-valued when the agent
// has never been assigned to. Caller holds d.mu.
func (d *Dispatcher) stateOf(agentID string) *agentState {
	if st, ok := d.agents[agentID]; ok {
		return st
	}
	return &agentState{}
}

// consume is the single consumer of one agent's send channel; it keeps
// per-agent ordering of assignments.
func (d *Dispatcher) consume(agentID string, st *agentState) {
	defer d.wg.Done()

	for job := range st.queue {
		err := d.exec.Do(d.runCtx, "assign:"+agentID, func(ctx context.Context) error {
			return d.sender.AssignJob(ctx, agentID, job)
		})
		if err == nil {
			continue
		}

		d.logger.Warn().
			Str("job_id", job.ID).
			Str("agent_id", agentID).
			Err(err).
			Msg("assign delivery failed")

		current, gerr := d.store.GetJob(d.runCtx, job.ID)
		if gerr != nil || current.Status != types.JobStatusAssigned || current.AssignedAgentID != agentID {
			continue
		}
		d.timers.cancel(job.ID, deadlineAck)
		if _, ferr := d.machine.Fire(d.runCtx, current, TriggerReject, "assign delivery failed"); ferr == nil {
			d.release(agentID, job.ID)
			d.backoffJob(current)
		}
	}
}

// release frees the agent slot held by a formerly in-flight job
func (d *Dispatcher) release(agentID, jobID string) {
	d.mu.Lock()
	if st, ok := d.agents[agentID]; ok && st.outstanding > 0 {
		st.outstanding--
	}
	d.mu.Unlock()
	d.nudge()
}

// backoffJob delays the job's next dispatch per the retry policy
func (d *Dispatcher) backoffJob(job *types.Job) {
	delay := d.backoff(job.AttemptCount)
	d.mu.Lock()
	d.notBefore[job.ID] = time.Now().Add(delay)
	d.mu.Unlock()
}

// backoff is baseDelay * 2^attempt jittered by ±20%, capped at maxDelay
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBaseDelay
	for i := 0; i < attempt && delay < d.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}

// HandleAck moves the job to Running and arms the execution timeout
func (d *Dispatcher) HandleAck(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	d.timers.cancel(jobID, deadlineAck)
	applied, err := d.machine.Fire(ctx, job, TriggerStart, job.AssignedAgentID)
	if err != nil {
		return err
	}
	if applied && job.Timeout > 0 {
		d.timers.schedule(jobID, deadlineExec, time.Now().Add(job.Timeout))
	}
	return nil
}

// HandleNack treats the agent's refusal as a Reject back to Pending
func (d *Dispatcher) HandleNack(ctx context.Context, jobID, reason string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	agentID := job.AssignedAgentID

	d.timers.cancel(jobID, deadlineAck)
	applied, err := d.machine.Fire(ctx, job, TriggerReject, reason)
	if err != nil {
		return err
	}
	if applied {
		d.release(agentID, jobID)
		d.backoffJob(job)
	}
	return nil
}

// HandleResult drives the terminal transition for a reported outcome.
// The first report wins; repeats are acknowledged and discarded.
func (d *Dispatcher) HandleResult(ctx context.Context, result *types.JobResult) error {
	job, err := d.store.GetJob(ctx, result.JobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		d.logger.Debug().Str("job_id", job.ID).Msg("duplicate result discarded")
		return nil
	}
	agentID := job.AssignedAgentID
	d.timers.cancel(job.ID, deadlineExec)

	if result.Success {
		job.Result = result.Output
		job.ErrorCode = ""
		applied, err := d.machine.Fire(ctx, job, TriggerComplete, "")
		if err != nil {
			return err
		}
		if applied {
			d.release(agentID, job.ID)
			d.jobs.ReleaseKey(job.IdempotencyKey, job.ID)
		}
		return nil
	}

	job.ErrorCode = result.ErrorCode
	applied, err := d.machine.Fire(ctx, job, TriggerFail, result.Error)
	if err != nil {
		return err
	}
	if applied {
		d.release(agentID, job.ID)
		d.retryOrDeadLetter(ctx, job)
	}
	return nil
}

// retryOrDeadLetter schedules the Retry trigger after backoff, or sinks
// the job when its attempts are spent.
func (d *Dispatcher) retryOrDeadLetter(ctx context.Context, job *types.Job) {
	if job.AttemptCount <= job.MaxRetries {
		delay := d.backoff(job.AttemptCount)
		d.logger.Info().
			Str("job_id", job.ID).
			Int("attempt", job.AttemptCount).
			Dur("delay", delay).
			Msg("retry scheduled")
		d.timers.schedule(job.ID, deadlineRetry, time.Now().Add(delay))
		return
	}

	if err := d.jobs.RecordDeadLetter(ctx, job); err != nil {
		d.logger.Error().Str("job_id", job.ID).Err(err).Msg("dead-letter record failed")
	}
}

// Cancel fires the Cancel trigger and, for in-flight jobs, propagates
// the cancellation to the owning agent.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, reason string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return errdefs.ErrTerminalJob
	}
	wasInFlight := job.InFlight()
	agentID := job.AssignedAgentID

	applied, err := d.machine.Fire(ctx, job, TriggerCancel, reason)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("cancel job %s in %s: %w", jobID, job.Status, errdefs.ErrIllegalTransition)
	}

	d.timers.cancelAll(jobID)
	d.jobs.ReleaseKey(job.IdempotencyKey, job.ID)
	if wasInFlight {
		d.release(agentID, jobID)
		err := d.exec.Do(ctx, "cancel:"+agentID, func(ctx context.Context) error {
			return d.sender.CancelJob(ctx, agentID, jobID, reason)
		})
		if err != nil {
			d.logger.Warn().Str("job_id", jobID).Str("agent_id", agentID).Err(err).Msg("cancel delivery failed")
		}
	}
	return nil
}

// ReassignAgent returns every in-flight job of a lost agent to Pending.
// Wired to the registry's agent-lost callback.
func (d *Dispatcher) ReassignAgent(agentID string) {
	ctx := context.Background()
	for _, status := range []types.JobStatus{types.JobStatusAssigned, types.JobStatusRunning} {
		inflight, err := d.store.ListJobs(ctx, storage.JobFilter{Status: status, AgentID: agentID})
		if err != nil {
			d.logger.Error().Str("agent_id", agentID).Err(err).Msg("reassignment scan failed")
			continue
		}
		for _, job := range inflight {
			d.timers.cancel(job.ID, deadlineAck)
			d.timers.cancel(job.ID, deadlineExec)
			applied, err := d.machine.Fire(ctx, job, TriggerReject, "agent disconnected")
			if err != nil {
				d.logger.Error().Str("job_id", job.ID).Err(err).Msg("disconnect reject failed")
				continue
			}
			if applied {
				d.release(agentID, job.ID)
				d.backoffJob(job)
			}
		}
	}
	d.nudge()
}

// onDeadline is the timer wheel callback
func (d *Dispatcher) onDeadline(jobID string, kind deadlineKind) {
	ctx := context.Background()
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		d.logger.Error().Str("job_id", jobID).Err(err).Msg("deadline lookup failed")
		return
	}

	switch kind {
	case deadlineAck:
		if job.Status != types.JobStatusAssigned {
			return
		}
		agentID := job.AssignedAgentID
		applied, err := d.machine.Fire(ctx, job, TriggerTimeout, "no ack within deadline")
		if err != nil {
			d.logger.Error().Str("job_id", jobID).Err(err).Msg("ack timeout failed")
			return
		}
		if applied {
			d.logger.Warn().Str("job_id", jobID).Str("agent_id", agentID).Msg("assignment not acknowledged")
			d.release(agentID, jobID)
			d.backoffJob(job)
		}

	case deadlineExec:
		if job.Status != types.JobStatusRunning {
			return
		}
		agentID := job.AssignedAgentID
		applied, err := d.machine.Fire(ctx, job, TriggerTimeout, "execution timeout")
		if err != nil {
			d.logger.Error().Str("job_id", jobID).Err(err).Msg("execution timeout failed")
			return
		}
		if applied {
			d.release(agentID, jobID)
			// Tell the agent to stop working on a job the server has
			// already timed out.
			stopErr := d.exec.Do(ctx, "cancel:"+agentID, func(ctx context.Context) error {
				return d.sender.CancelJob(ctx, agentID, jobID, "execution timeout")
			})
			if stopErr != nil {
				d.logger.Warn().Str("job_id", jobID).Err(stopErr).Msg("timeout cancel delivery failed")
			}
			d.retryOrDeadLetter(ctx, job)
		}

	case deadlineRetry:
		applied, err := d.machine.Fire(ctx, job, TriggerRetry, "")
		if err != nil {
			d.logger.Error().Str("job_id", jobID).Err(err).Msg("retry trigger failed")
			return
		}
		if applied {
			d.nudge()
		}
	}
}

// Outstanding returns the in-flight count for an agent, for tests and
// metrics.
func (d *Dispatcher) Outstanding(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateOf(agentID).outstanding
}
