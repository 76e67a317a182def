package hub

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/dispatcher"
	"github.com/cuemby/colony/pkg/enroll"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

type stack struct {
	store    storage.Store
	registry *registry.Registry
	jobs     *jobs.Service
	disp     *dispatcher.Dispatcher
	enroll   *enroll.Service
	tokens   *security.BootstrapTokens
	hub      *Hub
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()

	store := storage.NewMemoryStore()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	keybox, err := security.NewKeyboxFromPassphrase("test")
	require.NoError(t, err)
	creds := security.NewCredentialStore(cfg.ServerID, store, keybox)
	require.NoError(t, creds.InitializeServerKeys(context.Background()))
	tokens := security.NewBootstrapTokens(store)
	enrollSvc := enroll.NewService(store, creds, tokens, broker)

	reg := registry.NewRegistry(store, broker, 30*time.Second)
	jobSvc := jobs.NewService(store, broker, jobs.Defaults{MaxRetries: 3, Timeout: time.Minute})
	machine := dispatcher.NewMachine(store, store, broker)
	disp := dispatcher.New(dispatcher.Config{
		Tick:           10 * time.Millisecond,
		AckTimeout:     time.Second,
		PerAgentQueue:  16,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	}, machine, store, reg, jobSvc)
	jobSvc.SetDispatcher(disp)
	reg.OnAgentLost(disp.ReassignAgent)

	h := New(cfg, reg, disp, jobSvc, enrollSvc, tokens, store)
	disp.SetSender(h)
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(disp.Stop)

	return &stack{store: store, registry: reg, jobs: jobSvc, disp: disp, enroll: enrollSvc, tokens: tokens, hub: h}
}

// testClient drives the agent side of a pipe connection by hand
type testClient struct {
	t      *testing.T
	conn   Conn
	nextID uint64

	mu        sync.Mutex
	responses map[uint64]chan *Frame
	pushes    chan *Frame
	stopCh    chan struct{}
}

func newTestClient(t *testing.T, conn Conn) *testClient {
	c := &testClient{
		t:         t,
		conn:      conn,
		responses: make(map[uint64]chan *Frame),
		pushes:    make(chan *Frame, 64),
		stopCh:    make(chan struct{}),
	}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// startReader begins routing frames after the handshake
func (c *testClient) startReader() {
	go func() {
		for {
			f, err := c.conn.ReadFrame()
			if err != nil {
				return
			}
			if f.Type == FrameResponse {
				c.mu.Lock()
				ch, ok := c.responses[f.ID]
				delete(c.responses, f.ID)
				c.mu.Unlock()
				if ok {
					ch <- f
				}
				continue
			}
			select {
			case c.pushes <- f:
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *testClient) call(frameType FrameType, payload interface{}) *Frame {
	c.t.Helper()

	id := atomic.AddUint64(&c.nextID, 1)
	f, err := NewFrame(frameType, id, payload)
	require.NoError(c.t, err)

	ch := make(chan *Frame, 1)
	c.mu.Lock()
	c.responses[id] = ch
	c.mu.Unlock()

	require.NoError(c.t, c.conn.WriteFrame(f))
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		c.t.Fatalf("no response to %s", frameType)
		return nil
	}
}

func (c *testClient) nextPush(frameType FrameType) *Frame {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.pushes:
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			c.t.Fatalf("no %s push received", frameType)
			return nil
		}
	}
}

// enrollNode runs the auto-approve bootstrap flow out of band and
// returns the node's certificate and key.
func enrollNode(t *testing.T, s *stack, nodeID string, caps []string) (*types.Certificate, ed25519.PrivateKey) {
	t.Helper()
	ctx := context.Background()

	plaintext, _, err := s.tokens.Generate(ctx, true)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	params := &enroll.Params{NodeID: nodeID, NodeName: nodeID, PublicKey: pub, RequestedCapabilities: caps}
	params.Signature = ed25519.Sign(priv, params.SignaturePayload())

	req, err := s.enroll.RequestEnrollment(ctx, plaintext, params)
	require.NoError(t, err)
	_, cert, err := s.enroll.CheckStatus(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, cert)
	return cert, priv
}

// connect performs the certificate handshake and starts the reader
func connect(t *testing.T, s *stack, cert *types.Certificate, priv ed25519.PrivateKey) *testClient {
	t.Helper()

	serverConn, clientConn := Pipe()
	go func() { _ = s.hub.Serve(context.Background(), serverConn) }()

	c := newTestClient(t, clientConn)

	challenge, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameChallenge, challenge.Type)
	var ch ChallengePayload
	require.NoError(t, json.Unmarshal(challenge.Payload, &ch))

	auth, err := NewFrame(FrameAuth, 0, &AuthPayload{
		Mode:        AuthCertificate,
		Certificate: cert,
		SignedNonce: ed25519.Sign(priv, ch.Nonce),
	})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteFrame(auth))

	ok, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameAuthOK, ok.Type)
	var okp AuthOKPayload
	require.NoError(t, json.Unmarshal(ok.Payload, &okp))
	require.False(t, okp.Restricted)

	c.startReader()
	return c
}

func register(t *testing.T, c *testClient, agentID string, caps ...string) {
	t.Helper()
	p := &RegisterPayload{AgentID: agentID, Name: agentID}
	for _, name := range caps {
		p.Capabilities = append(p.Capabilities, &types.Capability{Name: name})
	}
	resp := c.call(FrameRegister, p)
	require.Empty(t, resp.Error)
}

func TestCertificateSessionLifecycle(t *testing.T) {
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", []string{"exec"})

	c := connect(t, s, cert, priv)
	register(t, c, "node-1", "exec")

	agent, err := s.registry.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusReady, agent.Status)
	assert.Equal(t, 1, s.hub.SessionCount())

	resp := c.call(FrameHeartbeat, &HeartbeatPayload{AgentID: "node-1"})
	assert.Empty(t, resp.Error)

	// Closing the connection triggers disconnect handling
	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		a, err := s.registry.Get("node-1")
		return err == nil && a.Status == types.AgentStatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWrongNonceSignatureRejected(t *testing.T) {
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", nil)

	serverConn, clientConn := Pipe()
	done := make(chan error, 1)
	go func() { done <- s.hub.Serve(context.Background(), serverConn) }()

	challenge, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameChallenge, challenge.Type)

	auth, err := NewFrame(FrameAuth, 0, &AuthPayload{
		Mode:        AuthCertificate,
		Certificate: cert,
		SignedNonce: ed25519.Sign(priv, []byte("not the nonce")),
	})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteFrame(auth))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not terminate on bad auth")
	}
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", []string{"exec"})
	c := connect(t, s, cert, priv)
	register(t, c, "node-1", "exec")

	res, err := s.jobs.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1"})
	require.NoError(t, err)

	// Assignment arrives as a push
	push := c.nextPush(FrameAssignJob)
	var assign AssignPayload
	require.NoError(t, json.Unmarshal(push.Payload, &assign))
	assert.Equal(t, res.JobID, assign.Job.ID)
	assert.Equal(t, "echo", assign.Job.Command)

	resp := c.call(FrameAckJob, &AckPayload{JobID: res.JobID})
	require.Empty(t, resp.Error)

	resp = c.call(FrameProgress, &types.JobProgress{JobID: res.JobID, Percent: 50, Message: "halfway"})
	require.Empty(t, resp.Error)

	resp = c.call(FrameResult, &types.JobResult{JobID: res.JobID, Success: true, Output: []byte("done")})
	require.Empty(t, resp.Error)

	job, err := s.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, []byte("done"), job.Result)
	require.NotNil(t, job.LastProgress)
	assert.Equal(t, 50, job.LastProgress.Percent)

	// Resubmission with the same key returns the completed record
	again, err := s.jobs.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, res.JobID, again.JobID)
	assert.True(t, again.Existing)
}

func TestResultIdempotentAndLateProgressDropped(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", nil)
	c := connect(t, s, cert, priv)
	register(t, c, "node-1")

	res, err := s.jobs.Submit(ctx, &types.SubmitRequest{Command: "echo"})
	require.NoError(t, err)
	c.nextPush(FrameAssignJob)
	require.Empty(t, c.call(FrameAckJob, &AckPayload{JobID: res.JobID}).Error)

	first := c.call(FrameResult, &types.JobResult{JobID: res.JobID, Success: true, Output: []byte("first")})
	require.Empty(t, first.Error)

	// The duplicate is acknowledged and discarded
	dup := c.call(FrameResult, &types.JobResult{JobID: res.JobID, Success: false, Error: "late"})
	require.Empty(t, dup.Error)

	// A progress report after the result is dropped, not an error
	late := c.call(FrameProgress, &types.JobProgress{JobID: res.JobID, Percent: 99})
	require.Empty(t, late.Error)

	job, err := s.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, []byte("first"), job.Result)
	assert.Nil(t, job.LastProgress)
}

func TestStreamSequencing(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", nil)
	c := connect(t, s, cert, priv)
	register(t, c, "node-1")

	res, err := s.jobs.Submit(ctx, &types.SubmitRequest{Command: "tail"})
	require.NoError(t, err)
	c.nextPush(FrameAssignJob)
	require.Empty(t, c.call(FrameAckJob, &AckPayload{JobID: res.JobID}).Error)

	for seq := uint64(0); seq < 3; seq++ {
		resp := c.call(FrameStream, &types.StreamItem{JobID: res.JobID, Sequence: seq, Payload: []byte{byte(seq)}})
		require.Empty(t, resp.Error, "seq %d", seq)
	}

	// A gap is a protocol error
	resp := c.call(FrameStream, &types.StreamItem{JobID: res.JobID, Sequence: 5})
	assert.NotEmpty(t, resp.Error)

	// The end marker closes the stream; later items are dropped quietly
	resp = c.call(FrameStream, &types.StreamItem{JobID: res.JobID, Sequence: 3, End: true})
	require.Empty(t, resp.Error)
	resp = c.call(FrameStream, &types.StreamItem{JobID: res.JobID, Sequence: 4})
	require.Empty(t, resp.Error)

	// Exactly the accepted items are in the output log, in order
	items, err := s.store.StreamEvents(ctx, "output/"+res.JobID)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i, ev := range items {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestStreamWatchersReplayThenTail(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", nil)
	c := connect(t, s, cert, priv)
	register(t, c, "node-1")

	res, err := s.jobs.Submit(ctx, &types.SubmitRequest{Command: "tail"})
	require.NoError(t, err)
	c.nextPush(FrameAssignJob)
	require.Empty(t, c.call(FrameAckJob, &AckPayload{JobID: res.JobID}).Error)

	send := func(seq uint64, end bool) {
		resp := c.call(FrameStream, &types.StreamItem{
			JobID: res.JobID, Sequence: seq, Payload: []byte{byte(seq)}, End: end,
		})
		require.Empty(t, resp.Error, "seq %d", seq)
	}
	next := func(ch <-chan *types.StreamItem) *types.StreamItem {
		select {
		case item := <-ch:
			require.NotNil(t, item)
			return item
		case <-time.After(2 * time.Second):
			t.Fatal("no stream item delivered")
			return nil
		}
	}

	send(0, false)
	send(1, false)

	// The early watcher replays the persisted head
	early, err := s.hub.WatchStream(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next(early).Sequence)
	assert.Equal(t, uint64(1), next(early).Sequence)

	send(2, false)
	assert.Equal(t, uint64(2), next(early).Sequence)

	// A late watcher gets the replay up to its attach point, then the tail
	late, err := s.hub.WatchStream(ctx, res.JobID)
	require.NoError(t, err)
	for want := uint64(0); want <= 2; want++ {
		assert.Equal(t, want, next(late).Sequence)
	}

	send(3, true)
	for _, ch := range []<-chan *types.StreamItem{early, late} {
		item := next(ch)
		assert.Equal(t, uint64(3), item.Sequence)
		assert.True(t, item.End)
		_, open := <-ch
		assert.False(t, open)
	}

	_, err = s.hub.WatchStream(ctx, "no-such-job")
	assert.Error(t, err)
}

func TestBootstrapSessionRestrictedThenUpgraded(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})

	plaintext, _, err := s.tokens.Generate(ctx, true)
	require.NoError(t, err)

	serverConn, clientConn := Pipe()
	go func() { _ = s.hub.Serve(context.Background(), serverConn) }()
	c := newTestClient(t, clientConn)

	challenge, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameChallenge, challenge.Type)

	auth, err := NewFrame(FrameAuth, 0, &AuthPayload{Mode: AuthBootstrap, BootstrapToken: plaintext})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteFrame(auth))

	ok, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameAuthOK, ok.Type)
	var okp AuthOKPayload
	require.NoError(t, json.Unmarshal(ok.Payload, &okp))
	require.True(t, okp.Restricted)
	c.startReader()

	// Job traffic is refused while the enrollment is pending
	resp := c.call(FrameRegister, &RegisterPayload{AgentID: "node-9"})
	assert.NotEmpty(t, resp.Error)

	// Enroll over the restricted session
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	params := &enroll.Params{NodeID: "node-9", PublicKey: pub}
	sig := ed25519.Sign(priv, params.SignaturePayload())

	resp = c.call(FrameEnrollRequest, &EnrollRequestPayload{
		BootstrapToken: plaintext,
		NodeID:         "node-9",
		PublicKey:      pub,
		Signature:      sig,
	})
	require.Empty(t, resp.Error)
	var enrolled EnrollStatusResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &enrolled))
	assert.Equal(t, types.EnrollmentApproved, enrolled.Status)
	require.NotNil(t, enrolled.Certificate)
	require.NotEmpty(t, enrolled.UpgradeNonce)

	// Upgrade on the same connection by signing the issued nonce
	resp = c.call(FrameAuth, &AuthPayload{
		Mode:        AuthCertificate,
		Certificate: enrolled.Certificate,
		SignedNonce: ed25519.Sign(priv, enrolled.UpgradeNonce),
	})
	require.Empty(t, resp.Error)

	resp = c.call(FrameRegister, &RegisterPayload{AgentID: "node-9"})
	require.Empty(t, resp.Error)

	agent, err := s.registry.Get("node-9")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusReady, agent.Status)
	assert.Equal(t, 1, s.hub.SessionCount())

	// Closing an upgraded session runs the same disconnect handling as
	// one that authenticated with a certificate up front
	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		if s.hub.SessionCount() != 0 {
			return false
		}
		a, err := s.registry.Get("node-9")
		return err == nil && a.Status == types.AgentStatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpgradeRequiresFreshChallenge(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})

	plaintext, _, err := s.tokens.Generate(ctx, true)
	require.NoError(t, err)

	serverConn, clientConn := Pipe()
	go func() { _ = s.hub.Serve(context.Background(), serverConn) }()
	c := newTestClient(t, clientConn)

	challenge, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameChallenge, challenge.Type)
	auth, err := NewFrame(FrameAuth, 0, &AuthPayload{Mode: AuthBootstrap, BootstrapToken: plaintext})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteFrame(auth))
	ok, err := clientConn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameAuthOK, ok.Type)
	c.startReader()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	params := &enroll.Params{NodeID: "node-9", PublicKey: pub}
	resp := c.call(FrameEnrollRequest, &EnrollRequestPayload{
		BootstrapToken: plaintext,
		NodeID:         "node-9",
		PublicKey:      pub,
		Signature:      ed25519.Sign(priv, params.SignaturePayload()),
	})
	require.Empty(t, resp.Error)
	var enrolled EnrollStatusResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &enrolled))
	require.NotNil(t, enrolled.Certificate)
	require.NotEmpty(t, enrolled.UpgradeNonce)

	// A signature over anything but the issued nonce is refused; the
	// certificate serial in particular is a static, replayable value
	resp = c.call(FrameAuth, &AuthPayload{
		Mode:        AuthCertificate,
		Certificate: enrolled.Certificate,
		SignedNonce: ed25519.Sign(priv, []byte(enrolled.Certificate.Serial)),
	})
	assert.NotEmpty(t, resp.Error)

	// The failed attempt spent the nonce; polling issues a new one
	resp = c.call(FrameEnrollStatus, &EnrollStatusPayload{EnrollmentID: enrolled.EnrollmentID})
	require.Empty(t, resp.Error)
	var polled EnrollStatusResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &polled))
	require.NotEmpty(t, polled.UpgradeNonce)
	assert.NotEqual(t, enrolled.UpgradeNonce, polled.UpgradeNonce)

	resp = c.call(FrameAuth, &AuthPayload{
		Mode:        AuthCertificate,
		Certificate: polled.Certificate,
		SignedNonce: ed25519.Sign(priv, polled.UpgradeNonce),
	})
	require.Empty(t, resp.Error)
	resp = c.call(FrameRegister, &RegisterPayload{AgentID: "node-9"})
	require.Empty(t, resp.Error)
}

func TestJobReportsRequireOwningSession(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", nil)
	owner := connect(t, s, cert, priv)
	register(t, owner, "node-1")

	res, err := s.jobs.Submit(ctx, &types.SubmitRequest{Command: "echo"})
	require.NoError(t, err)
	owner.nextPush(FrameAssignJob)
	require.Empty(t, owner.call(FrameAckJob, &AckPayload{JobID: res.JobID}).Error)

	certB, privB := enrollNode(t, s, "node-2", nil)
	other := connect(t, s, certB, privB)
	register(t, other, "node-2")

	// Progress, stream and result frames from a session that does not
	// hold the assignment are refused
	resp := other.call(FrameProgress, &types.JobProgress{JobID: res.JobID, Percent: 10})
	assert.NotEmpty(t, resp.Error)
	resp = other.call(FrameStream, &types.StreamItem{JobID: res.JobID, Sequence: 0, Payload: []byte("x")})
	assert.NotEmpty(t, resp.Error)
	resp = other.call(FrameResult, &types.JobResult{JobID: res.JobID, Success: false, Error: "hijack"})
	assert.NotEmpty(t, resp.Error)

	job, err := s.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, job.Status)
	assert.Nil(t, job.LastProgress)

	// The owning session still completes normally
	resp = owner.call(FrameResult, &types.JobResult{JobID: res.JobID, Success: true, Output: []byte("done")})
	require.Empty(t, resp.Error)
	job, err = s.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

func TestStaleSessionReplaced(t *testing.T) {
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", nil)

	c1 := connect(t, s, cert, priv)
	register(t, c1, "node-1")
	require.Equal(t, 1, s.hub.SessionCount())

	// A second connection for the same agent replaces the first
	c2 := connect(t, s, cert, priv)
	register(t, c2, "node-1")
	require.Equal(t, 1, s.hub.SessionCount())

	// The new session carries traffic
	resp := c2.call(FrameHeartbeat, &HeartbeatPayload{AgentID: "node-1"})
	assert.Empty(t, resp.Error)

	agent, err := s.registry.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusReady, agent.Status)
}

func TestRevokedCertificateRefused(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{ServerID: "server-1"})
	cert, priv := enrollNode(t, s, "node-1", nil)

	creds := security.NewCredentialStore("server-1", s.store, mustKeybox(t))
	require.NoError(t, creds.InitializeServerKeys(ctx))
	require.NoError(t, creds.Revoke(ctx, "node-1", "compromised", "admin"))

	serverConn, clientConn := Pipe()
	done := make(chan error, 1)
	go func() { done <- s.hub.Serve(context.Background(), serverConn) }()

	challenge, err := clientConn.ReadFrame()
	require.NoError(t, err)
	var ch ChallengePayload
	require.NoError(t, json.Unmarshal(challenge.Payload, &ch))

	auth, err := NewFrame(FrameAuth, 0, &AuthPayload{
		Mode:        AuthCertificate,
		Certificate: cert,
		SignedNonce: ed25519.Sign(priv, ch.Nonce),
	})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteFrame(auth))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not terminate on revoked certificate")
	}
}

func mustKeybox(t *testing.T) *security.Keybox {
	t.Helper()
	kb, err := security.NewKeyboxFromPassphrase("test")
	require.NoError(t, err)
	return kb
}
