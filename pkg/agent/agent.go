// Package agent is the worker-side runtime: it authenticates into the
// mesh, registers its capabilities, heartbeats, and executes assigned
// commands through registered handlers with cancellation, progress and
// stream reporting.
package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/hub"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
)

const (
	defaultHeartbeat = 5 * time.Second
	callTimeout      = 10 * time.Second
)

// Reporter lets a handler publish progress and ordered output while it
// runs. Stream sequences are managed by the runtime.
type Reporter interface {
	Progress(percent int, message string)
	Stream(payload []byte)
}

// Handler executes one command. The context is cancelled when the
// server cancels the job or the agent shuts down; the returned bytes
// become the job result.
type Handler func(ctx context.Context, job *types.Job, r Reporter) ([]byte, error)

// Config holds agent configuration
type Config struct {
	AgentID      string
	Name         string
	Capabilities []*types.Capability
	Group        string
	Metadata     map[string]string

	HubURL            string // e.g. ws://server:7946/hub
	HeartbeatInterval time.Duration

	// Certificate path credentials
	Certificate *types.Certificate
	PrivateKey  ed25519.PrivateKey

	// Dial overrides the websocket dialer, used by tests and the
	// embedded agent to connect over an in-process pipe.
	Dial func(ctx context.Context) (hub.Conn, error)
}

// Agent is a long-lived worker node
type Agent struct {
	cfg      Config
	handlers map[string]Handler
	logger   zerolog.Logger

	conn   hub.Conn
	send   chan *hub.Frame
	nextID uint64

	mu       sync.Mutex
	pending  map[uint64]chan *hub.Frame
	running  map[string]context.CancelFunc // job id -> cancel
	streams  map[string]*uint64            // job id -> next stream sequence
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an agent runtime
func New(cfg Config) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agentId: %w", errdefs.ErrMissingField)
	}
	if cfg.Certificate == nil || cfg.PrivateKey == nil {
		return nil, fmt.Errorf("certificate credentials: %w", errdefs.ErrMissingField)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.Dial == nil {
		url := cfg.HubURL
		cfg.Dial = func(ctx context.Context) (hub.Conn, error) {
			return hub.Dial(ctx, url)
		}
	}

	return &Agent{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   log.WithComponent("agent").With().Str("agent_id", cfg.AgentID).Logger(),
		send:     make(chan *hub.Frame, 64),
		pending:  make(map[uint64]chan *hub.Frame),
		running:  make(map[string]context.CancelFunc),
		streams:  make(map[string]*uint64),
		stopCh:   make(chan struct{}),
	}, nil
}

// Handle registers the handler for a command. Must be called before Run.
func (a *Agent) Handle(command string, h Handler) {
	a.handlers[command] = h
}

// Run connects, registers, and serves assignments until ctx is done or
// the connection drops. The caller owns reconnect policy.
func (a *Agent) Run(ctx context.Context) error {
	conn, err := a.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	a.conn = conn
	defer conn.Close()

	if err := a.handshake(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer goroutine: sole writer after the handshake
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case f := <-a.send:
				if err := conn.WriteFrame(f); err != nil {
					a.logger.Warn().Err(err).Msg("write failed")
					cancel()
					return
				}
			}
		}
	}()

	go a.readLoop(runCtx, cancel)

	if err := a.register(runCtx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info().Msg("registered with server")

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.heartbeat(runCtx); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-runCtx.Done():
			a.cancelAllJobs()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errdefs.ErrTransportClosed
		case <-a.stopCh:
			a.cancelAllJobs()
			return nil
		}
	}
}

// Stop asks Run to return after cancelling local work
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// handshake answers the server's nonce challenge on the certificate path
func (a *Agent) handshake(ctx context.Context) error {
	challenge, err := a.conn.ReadFrame()
	if err != nil {
		return err
	}
	if challenge.Type != hub.FrameChallenge {
		return fmt.Errorf("expected challenge, got %s: %w", challenge.Type, errdefs.ErrInvalidArgument)
	}
	var ch hub.ChallengePayload
	if err := json.Unmarshal(challenge.Payload, &ch); err != nil {
		return err
	}

	auth := &hub.AuthPayload{
		Mode:        hub.AuthCertificate,
		Certificate: a.cfg.Certificate,
		SignedNonce: ed25519.Sign(a.cfg.PrivateKey, ch.Nonce),
	}
	frame, err := hub.NewFrame(hub.FrameAuth, 0, auth)
	if err != nil {
		return err
	}
	if err := a.conn.WriteFrame(frame); err != nil {
		return err
	}

	reply, err := a.conn.ReadFrame()
	if err != nil {
		return err
	}
	if reply.Type != hub.FrameAuthOK {
		return fmt.Errorf("authentication refused: %s: %w", reply.Error, errdefs.ErrInvalidToken)
	}
	return nil
}

func (a *Agent) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		frame, err := a.conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}

		switch frame.Type {
		case hub.FrameResponse:
			a.mu.Lock()
			ch, ok := a.pending[frame.ID]
			delete(a.pending, frame.ID)
			a.mu.Unlock()
			if ok {
				ch <- frame
			}

		case hub.FrameAssignJob:
			var p hub.AssignPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Job == nil {
				a.logger.Error().Err(err).Msg("malformed assignment")
				continue
			}
			a.accept(ctx, p.Job)

		case hub.FrameCancelJob:
			var p hub.CancelPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				continue
			}
			a.cancelJob(p.JobID, p.Reason)

		case hub.FrameRequestState:
			a.push(mustFrame(hub.FrameState, 0, &hub.StatePayload{
				AgentID: a.cfg.AgentID,
				Status:  a.currentStatus(),
				Props:   map[string]string{"runningJobs": fmt.Sprintf("%d", a.runningCount())},
			}))
		}
	}
}

// accept ACKs an assignment and runs its handler, or NACKs when no
// handler is registered or the agent is shutting down.
func (a *Agent) accept(ctx context.Context, job *types.Job) {
	handler, ok := a.handlers[job.Command]
	if !ok {
		a.logger.Warn().Str("job_id", job.ID).Str("command", job.Command).Msg("no handler, refusing")
		go func() {
			_, _ = a.call(ctx, hub.FrameNackJob, &hub.NackPayload{JobID: job.ID, Reason: "no handler for " + job.Command})
		}()
		return
	}

	var jobCtx context.Context
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}

	a.mu.Lock()
	a.running[job.ID] = cancel
	var seq uint64
	a.streams[job.ID] = &seq
	a.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			a.mu.Lock()
			delete(a.running, job.ID)
			delete(a.streams, job.ID)
			a.mu.Unlock()
		}()

		if _, err := a.call(jobCtx, hub.FrameAckJob, &hub.AckPayload{JobID: job.ID}); err != nil {
			a.logger.Warn().Str("job_id", job.ID).Err(err).Msg("ack failed")
			return
		}

		a.logger.Info().Str("job_id", job.ID).Str("command", job.Command).Msg("job started")
		output, err := handler(jobCtx, job, &reporter{agent: a, job: job, seq: &seq})

		result := &types.JobResult{
			JobID:       job.ID,
			Success:     err == nil,
			Output:      output,
			CompletedAt: time.Now().UTC(),
		}
		if err != nil {
			result.Error = err.Error()
			if jobCtx.Err() != nil {
				result.ErrorCode = "cancelled"
			}
		}

		// Report over the parent context: the job context may already
		// be cancelled and the result must still go out.
		if _, err := a.call(ctx, hub.FrameResult, result); err != nil {
			a.logger.Error().Str("job_id", job.ID).Err(err).Msg("result delivery failed")
			return
		}
		a.logger.Info().Str("job_id", job.ID).Bool("success", result.Success).Msg("job finished")
	}()
}

func (a *Agent) cancelJob(jobID, reason string) {
	a.mu.Lock()
	cancel, ok := a.running[jobID]
	a.mu.Unlock()
	if ok {
		a.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("job cancelled by server")
		cancel()
	}
}

func (a *Agent) cancelAllJobs() {
	a.mu.Lock()
	for _, cancel := range a.running {
		cancel()
	}
	a.mu.Unlock()
}

func (a *Agent) runningCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

func (a *Agent) currentStatus() types.AgentStatus {
	if a.runningCount() > 0 {
		return types.AgentStatusRunning
	}
	return types.AgentStatusReady
}

func (a *Agent) register(ctx context.Context) error {
	_, err := a.call(ctx, hub.FrameRegister, &hub.RegisterPayload{
		AgentID:      a.cfg.AgentID,
		Name:         a.cfg.Name,
		Capabilities: a.cfg.Capabilities,
		Group:        a.cfg.Group,
		Metadata:     a.cfg.Metadata,
	})
	return err
}

func (a *Agent) heartbeat(ctx context.Context) error {
	_, err := a.call(ctx, hub.FrameHeartbeat, &hub.HeartbeatPayload{AgentID: a.cfg.AgentID})
	return err
}

// call sends a frame and waits for the correlated response
func (a *Agent) call(ctx context.Context, frameType hub.FrameType, payload interface{}) (*hub.Frame, error) {
	id := atomic.AddUint64(&a.nextID, 1)
	frame, err := hub.NewFrame(frameType, id, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *hub.Frame, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	cleanup := func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}

	select {
	case a.send <- frame:
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, fmt.Errorf("%s: %s", frameType, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, errdefs.ErrTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// push sends a frame without waiting for a response
func (a *Agent) push(f *hub.Frame) {
	select {
	case a.send <- f:
	case <-a.stopCh:
	}
}

func mustFrame(t hub.FrameType, id uint64, payload interface{}) *hub.Frame {
	f, err := hub.NewFrame(t, id, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// reporter implements Reporter for one running job
type reporter struct {
	agent *Agent
	job   *types.Job
	seq   *uint64
}

func (r *reporter) Progress(percent int, message string) {
	r.agent.push(mustFrame(hub.FrameProgress, 0, &types.JobProgress{
		JobID:      r.job.ID,
		Percent:    percent,
		Message:    message,
		ReportedAt: time.Now().UTC(),
	}))
}

func (r *reporter) Stream(payload []byte) {
	seq := atomic.AddUint64(r.seq, 1) - 1
	r.agent.push(mustFrame(hub.FrameStream, 0, &types.StreamItem{
		JobID:    r.job.ID,
		Sequence: seq,
		Payload:  payload,
	}))
}
