package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/dispatcher"
	"github.com/cuemby/colony/pkg/enroll"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/hub"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

type stack struct {
	store  storage.Store
	reg    *registry.Registry
	jobs   *jobs.Service
	enroll *enroll.Service
	tokens *security.BootstrapTokens
	hub    *hub.Hub
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	keybox, err := security.NewKeyboxFromPassphrase("test")
	require.NoError(t, err)
	creds := security.NewCredentialStore("server-1", store, keybox)
	require.NoError(t, creds.InitializeServerKeys(ctx))
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

	h := hub.New(hub.Config{ServerID: "server-1"}, reg, disp, jobSvc, enrollSvc, tokens, store)
	disp.SetSender(h)
	require.NoError(t, disp.Start(ctx))
	t.Cleanup(disp.Stop)

	return &stack{store: store, reg: reg, jobs: jobSvc, enroll: enrollSvc, tokens: tokens, hub: h}
}

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

// startAgent runs an agent against the stack over an in-process pipe
func startAgent(t *testing.T, s *stack, a *Agent) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	t.Cleanup(func() {
		a.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("agent did not stop in time")
		}
	})
}

func newAgent(t *testing.T, s *stack, id string, caps []string) *Agent {
	t.Helper()
	cert, priv := enrollNode(t, s, id, caps)

	a, err := New(Config{
		AgentID:           id,
		Name:              id,
		Capabilities:      capabilities(caps),
		Certificate:       cert,
		PrivateKey:        priv,
		HeartbeatInterval: 20 * time.Millisecond,
		Dial: func(ctx context.Context) (hub.Conn, error) {
			serverConn, clientConn := hub.Pipe()
			go func() { _ = s.hub.Serve(context.Background(), serverConn) }()
			return clientConn, nil
		},
	})
	require.NoError(t, err)
	return a
}

func capabilities(names []string) []*types.Capability {
	out := make([]*types.Capability, 0, len(names))
	for _, n := range names {
		out = append(out, &types.Capability{Name: n})
	}
	return out
}

func waitStatus(t *testing.T, s *stack, jobID string, want types.JobStatus) *types.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := s.store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last %s", jobID, want, job.Status)
	return nil
}

func TestAgentRegistersAndHeartbeats(t *testing.T) {
	s := newStack(t)
	a := newAgent(t, s, "agent-1", []string{"echo"})
	startAgent(t, s, a)

	require.Eventually(t, func() bool {
		ag, err := s.reg.Get("agent-1")
		return err == nil && ag.Status == types.AgentStatusReady
	}, 2*time.Second, 10*time.Millisecond)

	ag, err := s.reg.Get("agent-1")
	require.NoError(t, err)
	first := ag.LastHeartbeat

	require.Eventually(t, func() bool {
		ag, err := s.reg.Get("agent-1")
		return err == nil && ag.LastHeartbeat.After(first)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentExecutesJob(t *testing.T) {
	s := newStack(t)
	a := newAgent(t, s, "agent-1", []string{"echo"})
	a.Handle("echo", func(ctx context.Context, job *types.Job, r Reporter) ([]byte, error) {
		r.Progress(50, "halfway")
		r.Stream([]byte("line 1"))
		r.Stream([]byte("line 2"))
		return append([]byte("echo: "), job.Parameters...), nil
	})
	startAgent(t, s, a)

	res, err := s.jobs.Submit(context.Background(), &types.SubmitRequest{
		Command:              "echo",
		Parameters:           []byte("hello"),
		RequiredCapabilities: []string{"echo"},
	})
	require.NoError(t, err)

	job := waitStatus(t, s, res.JobID, types.JobStatusCompleted)
	assert.Equal(t, []byte("echo: hello"), job.Result)
	assert.Equal(t, "agent-1", job.AssignedAgentID)

	// Output stream made it into the event log in order
	require.Eventually(t, func() bool {
		evs, err := s.store.StreamEvents(context.Background(), "output/"+res.JobID)
		return err == nil && len(evs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentReportsFailure(t *testing.T) {
	s := newStack(t)
	a := newAgent(t, s, "agent-1", []string{"flaky"})
	a.Handle("flaky", func(ctx context.Context, job *types.Job, r Reporter) ([]byte, error) {
		return nil, errors.New("exit 1")
	})
	startAgent(t, s, a)

	zero := 0
	res, err := s.jobs.Submit(context.Background(), &types.SubmitRequest{
		Command:              "flaky",
		RequiredCapabilities: []string{"flaky"},
		MaxRetries:           &zero,
	})
	require.NoError(t, err)

	job := waitStatus(t, s, res.JobID, types.JobStatusFailed)
	assert.Equal(t, "exit 1", job.Error)

	require.Eventually(t, func() bool {
		dls, err := s.jobs.DeadLetters(context.Background())
		return err == nil && len(dls) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentRefusesUnknownCommand(t *testing.T) {
	s := newStack(t)
	a := newAgent(t, s, "agent-1", []string{"echo"})
	startAgent(t, s, a)

	res, err := s.jobs.Submit(context.Background(), &types.SubmitRequest{
		Command:       "reboot",
		TargetAgentID: "agent-1",
	})
	require.NoError(t, err)

	// NACKed back to pending; no other agent can take it
	require.Eventually(t, func() bool {
		job, err := s.store.GetJob(context.Background(), res.JobID)
		return err == nil && job.AttemptCount >= 1 && job.AssignedAgentID == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerCancelStopsHandler(t *testing.T) {
	s := newStack(t)
	started := make(chan struct{})
	a := newAgent(t, s, "agent-1", []string{"sleep"})
	a.Handle("sleep", func(ctx context.Context, job *types.Job, r Reporter) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startAgent(t, s, a)

	res, err := s.jobs.Submit(context.Background(), &types.SubmitRequest{
		Command:              "sleep",
		RequiredCapabilities: []string{"sleep"},
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, s.jobs.Cancel(context.Background(), res.JobID, "operator request"))
	waitStatus(t, s, res.JobID, types.JobStatusCancelled)
}

func TestJobTimeoutCancelsHandler(t *testing.T) {
	s := newStack(t)
	a := newAgent(t, s, "agent-1", []string{"sleep"})
	a.Handle("sleep", func(ctx context.Context, job *types.Job, r Reporter) ([]byte, error) {
		<-ctx.Done()
		// Linger so the server-side execution deadline decides the outcome
		time.Sleep(300 * time.Millisecond)
		return nil, ctx.Err()
	})
	startAgent(t, s, a)

	zero := 0
	res, err := s.jobs.Submit(context.Background(), &types.SubmitRequest{
		Command:              "sleep",
		RequiredCapabilities: []string{"sleep"},
		Timeout:              50 * time.Millisecond,
		MaxRetries:           &zero,
	})
	require.NoError(t, err)

	waitStatus(t, s, res.JobID, types.JobStatusTimedOut)
}

func TestMissingCredentialsRefused(t *testing.T) {
	_, err := New(Config{AgentID: "agent-1"})
	require.Error(t, err)

	_, err = New(Config{})
	require.Error(t, err)
}
