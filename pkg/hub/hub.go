// Package hub is the bidirectional RPC surface between the server and
// its agents: a session protocol over any reliable, ordered,
// message-framed transport.
//
// Each connection is authenticated before anything else flows: the
// server issues a nonce challenge, the agent answers with a signed
// certificate, a bootstrap token, or (when permitted) anonymously.
// Bootstrap sessions are restricted to enrollment calls until a
// certificate is granted; the same connection may then re-authenticate
// and upgrade without reconnecting.
//
// All outbound traffic to one agent is serialized through a single
// buffered send channel with one consumer goroutine. A new connection
// for an agent id replaces the stale one.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/dispatcher"
	"github.com/cuemby/colony/pkg/enroll"
	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

const (
	sendBufferSize = 64
	authDeadline   = 10 * time.Second
	stateTimeout   = 5 * time.Second
)

// Config controls hub admission
type Config struct {
	ServerID        string
	RequireCertAuth bool
	AllowAnonymous  bool
}

// session is one authenticated connection
type session struct {
	agentID      string // empty until the first authenticated frame fixes it
	nodeID       string // from certificate auth
	connID       string
	conn         Conn
	send         chan *Frame
	cancel       context.CancelFunc
	restricted   bool   // bootstrap session pending enrollment
	upgradeNonce []byte // single-use challenge for the enrollment upgrade
}

// streamState tracks output-stream sequencing for one job
type streamState struct {
	next  uint64
	ended bool
}

// Hub owns sessions and routes protocol frames to the core services
type Hub struct {
	cfg      Config
	registry *registry.Registry
	disp     *dispatcher.Dispatcher
	jobs     *jobs.Service
	enroll   *enroll.Service
	tokens   *security.BootstrapTokens
	eventLog storage.EventLog
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session // agent id -> live session

	streamMu sync.Mutex
	streams  map[string]*streamState // job id -> sequencing state

	watchMu  sync.Mutex
	watchers map[string][]chan *types.StreamItem // job id -> live subscribers

	// pendingState routes one in-flight RequestState reply per agent
	pendingMu    sync.Mutex
	pendingState map[string]chan *StatePayload
}

// New creates the hub
func New(cfg Config, reg *registry.Registry, disp *dispatcher.Dispatcher, jobSvc *jobs.Service, enrollSvc *enroll.Service, tokens *security.BootstrapTokens, eventLog storage.EventLog) *Hub {
	return &Hub{
		cfg:          cfg,
		registry:     reg,
		disp:         disp,
		jobs:         jobSvc,
		enroll:       enrollSvc,
		tokens:       tokens,
		eventLog:     eventLog,
		logger:       log.WithComponent("hub"),
		sessions:     make(map[string]*session),
		streams:      make(map[string]*streamState),
		watchers:     make(map[string][]chan *types.StreamItem),
		pendingState: make(map[string]chan *StatePayload),
	}
}

// SessionCount returns the number of live sessions
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Serve runs the protocol on one connection until it closes. Blocks;
// callers run it in its own goroutine per connection.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	defer conn.Close()

	connID := uuid.New().String()
	sessLogger := h.logger.With().Str("conn_id", connID).Str("remote", conn.RemoteAddr()).Logger()

	sess, err := h.authenticate(ctx, conn, connID)
	if err != nil {
		sessLogger.Warn().Err(err).Msg("authentication failed")
		_ = conn.WriteFrame(&Frame{Type: FrameResponse, Error: err.Error()})
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.cancel = cancel

	if sess.agentID != "" {
		h.attach(sess, sessLogger)
	}
	// The agent id may also be fixed after the handshake, by an
	// enrollment upgrade or an anonymous register, so the detach
	// decision belongs at exit, not here.
	defer func() {
		if sess.agentID != "" {
			h.detach(sess, sessLogger)
		}
	}()

	// Send goroutine: sole writer after the handshake
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case f, ok := <-sess.send:
				if !ok {
					return
				}
				if err := conn.WriteFrame(f); err != nil {
					sessLogger.Warn().Err(err).Msg("send failed")
					cancel()
					return
				}
			}
		}
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			sessLogger.Debug().Err(err).Msg("connection closed")
			return nil
		}
		h.handleFrame(runCtx, sess, frame, sessLogger)
	}
}

// authenticate performs the challenge handshake. The returned session
// has its agent id fixed for certificate auth, or is restricted for
// bootstrap auth.
func (h *Hub) authenticate(ctx context.Context, conn Conn, connID string) (*session, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	challenge, err := NewFrame(FrameChallenge, 0, &ChallengePayload{ServerID: h.cfg.ServerID, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(challenge); err != nil {
		return nil, err
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Type != FrameAuth {
		return nil, fmt.Errorf("expected auth frame, got %s: %w", frame.Type, errdefs.ErrInvalidArgument)
	}
	var auth AuthPayload
	if err := json.Unmarshal(frame.Payload, &auth); err != nil {
		return nil, fmt.Errorf("auth payload: %w", errdefs.ErrInvalidArgument)
	}

	sess := &session{connID: connID, conn: conn, send: make(chan *Frame, sendBufferSize)}

	switch auth.Mode {
	case AuthCertificate:
		nodeID, err := h.enroll.AuthenticateCertificate(ctx, auth.Certificate, nonce, auth.SignedNonce)
		if err != nil {
			return nil, err
		}
		sess.agentID = nodeID
		sess.nodeID = nodeID

	case AuthBootstrap:
		if _, err := h.tokens.Verify(ctx, auth.BootstrapToken); err != nil {
			return nil, err
		}
		sess.restricted = true

	case AuthAnonymous:
		if !h.cfg.AllowAnonymous || h.cfg.RequireCertAuth {
			return nil, errdefs.ErrInvalidToken
		}

	default:
		return nil, fmt.Errorf("unknown auth mode %q: %w", auth.Mode, errdefs.ErrInvalidArgument)
	}

	ok, err := NewFrame(FrameAuthOK, frame.ID, &AuthOKPayload{
		ConnID:     connID,
		ServerID:   h.cfg.ServerID,
		Restricted: sess.restricted,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ok); err != nil {
		return nil, err
	}
	return sess, nil
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return nonce, nil
}

// attach indexes the session by agent id, replacing a stale one
func (h *Hub) attach(sess *session, logger zerolog.Logger) {
	h.mu.Lock()
	if old, ok := h.sessions[sess.agentID]; ok {
		old.cancel()
		logger.Warn().Str("agent_id", sess.agentID).Msg("replaced stale session")
	}
	h.sessions[sess.agentID] = sess
	h.mu.Unlock()
}

// detach removes the session and runs disconnect handling, unless a
// newer session already replaced it.
func (h *Hub) detach(sess *session, logger zerolog.Logger) {
	h.mu.Lock()
	replaced := h.sessions[sess.agentID] != sess
	if !replaced {
		delete(h.sessions, sess.agentID)
	}
	h.mu.Unlock()

	h.pendingMu.Lock()
	if ch, ok := h.pendingState[sess.agentID]; ok {
		delete(h.pendingState, sess.agentID)
		close(ch)
	}
	h.pendingMu.Unlock()

	if replaced {
		return
	}
	logger.Info().Str("agent_id", sess.agentID).Msg("agent session closed")
	if err := h.registry.MarkDisconnected(context.Background(), sess.agentID); err != nil && !errdefs.IsNotFound(err) {
		logger.Error().Err(err).Msg("disconnect handling failed")
	}
}

func (h *Hub) handleFrame(ctx context.Context, sess *session, frame *Frame, logger zerolog.Logger) {
	if sess.restricted {
		switch frame.Type {
		case FrameEnrollRequest, FrameEnrollStatus, FrameAuth:
		default:
			h.respondErr(sess, frame.ID, fmt.Errorf("session pending enrollment: %w", errdefs.ErrInvalidToken))
			return
		}
	}

	var err error
	switch frame.Type {
	case FrameAuth:
		err = h.handleUpgrade(ctx, sess, frame, logger)
	case FrameRegister:
		err = h.handleRegister(ctx, sess, frame, logger)
	case FrameUnregister:
		err = h.withAgent(sess, func(agentID string) error {
			return h.registry.Unregister(ctx, agentID)
		})
	case FrameHeartbeat:
		err = h.withAgent(sess, func(agentID string) error {
			return h.registry.UpdateHeartbeat(ctx, agentID)
		})
	case FrameAckJob:
		var p AckPayload
		if err = json.Unmarshal(frame.Payload, &p); err == nil {
			err = h.guardJobOwner(ctx, sess, p.JobID)
			if err == nil {
				err = h.disp.HandleAck(ctx, p.JobID)
			}
		}
	case FrameNackJob:
		var p NackPayload
		if err = json.Unmarshal(frame.Payload, &p); err == nil {
			err = h.guardJobOwner(ctx, sess, p.JobID)
			if err == nil {
				err = h.disp.HandleNack(ctx, p.JobID, p.Reason)
			}
		}
	case FrameProgress:
		var p types.JobProgress
		if err = json.Unmarshal(frame.Payload, &p); err == nil {
			err = h.guardJobOwner(ctx, sess, p.JobID)
			if err == nil {
				err = h.jobs.UpdateProgress(ctx, &p)
			}
		}
	case FrameStream:
		var item types.StreamItem
		if err = json.Unmarshal(frame.Payload, &item); err == nil {
			err = h.guardJobOwner(ctx, sess, item.JobID)
			if err == nil {
				err = h.handleStream(ctx, &item, logger)
			}
		}
	case FrameResult:
		var r types.JobResult
		if err = json.Unmarshal(frame.Payload, &r); err == nil {
			err = h.guardJobOwner(ctx, sess, r.JobID)
			if err == nil {
				h.closeStream(r.JobID)
				err = h.disp.HandleResult(ctx, &r)
			}
		}
	case FrameState:
		var p StatePayload
		if err = json.Unmarshal(frame.Payload, &p); err == nil {
			err = h.handleState(ctx, sess, &p)
		}
	case FrameEnrollRequest:
		h.handleEnrollRequest(ctx, sess, frame)
		return
	case FrameEnrollStatus:
		h.handleEnrollStatus(ctx, sess, frame)
		return
	default:
		err = fmt.Errorf("unknown frame type %q: %w", frame.Type, errdefs.ErrInvalidArgument)
	}

	if err != nil {
		h.respondErr(sess, frame.ID, err)
		return
	}
	h.respond(sess, frame.ID, nil)
}

// handleUpgrade lets a restricted session re-authenticate with the
// certificate it was just granted.
func (h *Hub) handleUpgrade(ctx context.Context, sess *session, frame *Frame, logger zerolog.Logger) error {
	if !sess.restricted {
		return fmt.Errorf("session already authenticated: %w", errdefs.ErrInvalidArgument)
	}
	var auth AuthPayload
	if err := json.Unmarshal(frame.Payload, &auth); err != nil {
		return fmt.Errorf("auth payload: %w", errdefs.ErrInvalidArgument)
	}
	if auth.Mode != AuthCertificate || auth.Certificate == nil {
		return fmt.Errorf("upgrade requires a certificate: %w", errdefs.ErrInvalidArgument)
	}

	// The handshake nonce is spent. The agent signs the single-use
	// nonce issued alongside the certificate; a replayed signature
	// has no nonce left to match.
	if len(sess.upgradeNonce) == 0 {
		return fmt.Errorf("no upgrade challenge issued: %w", errdefs.ErrInvalidArgument)
	}
	nonce := sess.upgradeNonce
	sess.upgradeNonce = nil

	nodeID, err := h.enroll.AuthenticateCertificate(ctx, auth.Certificate, nonce, auth.SignedNonce)
	if err != nil {
		return err
	}

	sess.restricted = false
	sess.agentID = nodeID
	sess.nodeID = nodeID
	h.attach(sess, logger)
	logger.Info().Str("agent_id", nodeID).Msg("session upgraded after enrollment")
	return nil
}

func (h *Hub) handleRegister(ctx context.Context, sess *session, frame *Frame, logger zerolog.Logger) error {
	var p RegisterPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("register payload: %w", errdefs.ErrInvalidArgument)
	}

	// Certificate sessions are pinned to their node id
	if sess.nodeID != "" && p.AgentID != sess.nodeID {
		return fmt.Errorf("agent id %q does not match certificate node %q: %w",
			p.AgentID, sess.nodeID, errdefs.ErrInvalidToken)
	}
	if sess.agentID == "" {
		sess.agentID = p.AgentID
		h.attach(sess, logger)
	}

	agent := &types.Agent{
		ID:           p.AgentID,
		Name:         p.Name,
		Capabilities: p.Capabilities,
		Group:        p.Group,
		Metadata:     p.Metadata,
	}
	return h.registry.Register(ctx, agent, sess.connID)
}

// guardJobOwner refuses job calls from a session that does not own the
// job's current assignment.
func (h *Hub) guardJobOwner(ctx context.Context, sess *session, jobID string) error {
	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedAgentID != "" && job.AssignedAgentID != sess.agentID {
		return fmt.Errorf("job %s is assigned to %s: %w", jobID, job.AssignedAgentID, errdefs.ErrInvalidToken)
	}
	return nil
}

// handleStream enforces contiguous sequencing with a single end marker.
// Items after the end marker are dropped with a warning; gaps and
// replays are protocol errors.
func (h *Hub) handleStream(ctx context.Context, item *types.StreamItem, logger zerolog.Logger) error {
	h.streamMu.Lock()
	st, ok := h.streams[item.JobID]
	if !ok {
		st = &streamState{}
		h.streams[item.JobID] = st
	}
	if st.ended {
		h.streamMu.Unlock()
		logger.Warn().Str("job_id", item.JobID).Uint64("seq", item.Sequence).Msg("stream item after end dropped")
		return nil
	}
	if item.Sequence != st.next {
		expected := st.next
		h.streamMu.Unlock()
		return fmt.Errorf("stream %s: sequence %d, expected %d: %w",
			item.JobID, item.Sequence, expected, errdefs.ErrInvalidArgument)
	}
	st.next++
	if item.End {
		st.ended = true
	}
	h.streamMu.Unlock()

	payload, _ := json.Marshal(item)
	if _, err := h.eventLog.AppendEvent(ctx, &types.Event{
		StreamID:  "output/" + item.JobID,
		Sequence:  item.Sequence + 1,
		Type:      "StreamItem",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}
	h.fanout(item)
	return nil
}

// closeStream forgets sequencing state once the job reported its result
func (h *Hub) closeStream(jobID string) {
	h.streamMu.Lock()
	if st, ok := h.streams[jobID]; ok {
		st.ended = true
	}
	h.streamMu.Unlock()
	h.closeWatchers(jobID)
}

func (h *Hub) handleState(ctx context.Context, sess *session, p *StatePayload) error {
	if err := h.withAgent(sess, func(agentID string) error {
		if p.Status == "" {
			return nil
		}
		return h.registry.UpdateStatus(ctx, agentID, p.Status)
	}); err != nil {
		return err
	}

	// Route to a waiting RequestState caller if one is pending
	h.pendingMu.Lock()
	if ch, ok := h.pendingState[sess.agentID]; ok {
		delete(h.pendingState, sess.agentID)
		ch <- p
		close(ch)
	}
	h.pendingMu.Unlock()
	return nil
}

func (h *Hub) handleEnrollRequest(ctx context.Context, sess *session, frame *Frame) {
	var p EnrollRequestPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		h.respondErr(sess, frame.ID, fmt.Errorf("enroll payload: %w", errdefs.ErrInvalidArgument))
		return
	}

	req, err := h.enroll.RequestEnrollment(ctx, p.BootstrapToken, &enroll.Params{
		NodeID:                p.NodeID,
		NodeName:              p.NodeName,
		PublicKey:             p.PublicKey,
		RequestedCapabilities: p.RequestedCapabilities,
		Signature:             p.Signature,
	})
	if err != nil {
		h.respondErr(sess, frame.ID, err)
		return
	}

	resp := &EnrollStatusResponse{EnrollmentID: req.ID, Status: req.Status, Request: req}
	if req.Status == types.EnrollmentApproved {
		if _, cert, err := h.enroll.CheckStatus(ctx, req.ID); err == nil {
			resp.Certificate = cert
		}
	}
	if err := h.armUpgrade(sess, resp); err != nil {
		h.respondErr(sess, frame.ID, err)
		return
	}
	h.respond(sess, frame.ID, resp)
}

// armUpgrade issues the single-use upgrade challenge once a restricted
// session holds its certificate. Polling again replaces the nonce.
func (h *Hub) armUpgrade(sess *session, resp *EnrollStatusResponse) error {
	if resp.Certificate == nil || !sess.restricted {
		return nil
	}
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	sess.upgradeNonce = nonce
	resp.UpgradeNonce = nonce
	return nil
}

func (h *Hub) handleEnrollStatus(ctx context.Context, sess *session, frame *Frame) {
	var p EnrollStatusPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		h.respondErr(sess, frame.ID, fmt.Errorf("enroll status payload: %w", errdefs.ErrInvalidArgument))
		return
	}

	req, cert, err := h.enroll.CheckStatus(ctx, p.EnrollmentID)
	if err != nil {
		h.respondErr(sess, frame.ID, err)
		return
	}
	resp := &EnrollStatusResponse{
		EnrollmentID: req.ID,
		Status:       req.Status,
		Certificate:  cert,
		Request:      req,
	}
	if err := h.armUpgrade(sess, resp); err != nil {
		h.respondErr(sess, frame.ID, err)
		return
	}
	h.respond(sess, frame.ID, resp)
}

func (h *Hub) withAgent(sess *session, fn func(agentID string) error) error {
	if sess.agentID == "" {
		return fmt.Errorf("session has no registered agent: %w", errdefs.ErrInvalidArgument)
	}
	return fn(sess.agentID)
}

func (h *Hub) respond(sess *session, id uint64, payload interface{}) {
	f, err := NewFrame(FrameResponse, id, payload)
	if err != nil {
		return
	}
	h.push(sess, f)
}

func (h *Hub) respondErr(sess *session, id uint64, err error) {
	h.push(sess, &Frame{Type: FrameResponse, ID: id, Error: err.Error()})
}

// push enqueues a frame for the session's send goroutine, dropping on a
// full buffer rather than blocking the receive loop.
func (h *Hub) push(sess *session, f *Frame) {
	select {
	case sess.send <- f:
	default:
		h.logger.Warn().Str("agent_id", sess.agentID).Str("type", string(f.Type)).Msg("send buffer full, frame dropped")
	}
}

// sessionFor returns the live session for an agent
func (h *Hub) sessionFor(agentID string) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[agentID]
	if !ok {
		return nil, errdefs.ErrTransportClosed
	}
	return sess, nil
}

// AssignJob pushes an assignment to the agent. Implements the
// dispatcher's Sender.
func (h *Hub) AssignJob(ctx context.Context, agentID string, job *types.Job) error {
	sess, err := h.sessionFor(agentID)
	if err != nil {
		return err
	}
	f, err := NewFrame(FrameAssignJob, 0, &AssignPayload{Job: job})
	if err != nil {
		return err
	}
	select {
	case sess.send <- f:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("assign %s: %w", job.ID, errdefs.ErrTimeout)
	}
}

// CancelJob tells the agent to stop a job
func (h *Hub) CancelJob(ctx context.Context, agentID, jobID, reason string) error {
	sess, err := h.sessionFor(agentID)
	if err != nil {
		return err
	}
	f, err := NewFrame(FrameCancelJob, 0, &CancelPayload{JobID: jobID, Reason: reason})
	if err != nil {
		return err
	}
	select {
	case sess.send <- f:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cancel %s: %w", jobID, errdefs.ErrTimeout)
	}
}

// RequestState asks the agent for a fresh state report and waits for it
func (h *Hub) RequestState(ctx context.Context, agentID string) (*StatePayload, error) {
	sess, err := h.sessionFor(agentID)
	if err != nil {
		return nil, err
	}

	ch := make(chan *StatePayload, 1)
	h.pendingMu.Lock()
	if _, exists := h.pendingState[agentID]; exists {
		h.pendingMu.Unlock()
		return nil, fmt.Errorf("state request already in flight for %s: %w", agentID, errdefs.ErrInvalidArgument)
	}
	h.pendingState[agentID] = ch
	h.pendingMu.Unlock()

	cleanup := func() {
		h.pendingMu.Lock()
		if cur, ok := h.pendingState[agentID]; ok && cur == ch {
			delete(h.pendingState, agentID)
		}
		h.pendingMu.Unlock()
	}

	f, err := NewFrame(FrameRequestState, 0, nil)
	if err != nil {
		cleanup()
		return nil, err
	}
	select {
	case sess.send <- f:
	case <-ctx.Done():
		cleanup()
		return nil, errdefs.ErrTimeout
	}

	timer := time.NewTimer(stateTimeout)
	defer timer.Stop()
	select {
	case report, ok := <-ch:
		if !ok {
			return nil, errdefs.ErrTransportClosed
		}
		return report, nil
	case <-timer.C:
		cleanup()
		return nil, errdefs.ErrTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}
