package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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

type fixture struct {
	ts     *httptest.Server
	store  storage.Store
	jobs   *jobs.Service
	reg    *registry.Registry
	enroll *enroll.Service
	tokens *security.BootstrapTokens
	creds  *security.CredentialStore
}

func newFixture(t *testing.T) *fixture {
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
		Tick:           50 * time.Millisecond,
		AckTimeout:     time.Second,
		PerAgentQueue:  16,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	}, machine, store, reg, jobSvc)
	jobSvc.SetDispatcher(disp)
	h := hub.New(hub.Config{ServerID: "server-1"}, reg, disp, jobSvc, enrollSvc, tokens, store)
	disp.SetSender(h)
	require.NoError(t, disp.Start(ctx))
	t.Cleanup(disp.Stop)

	srv := NewServer(":0", jobSvc, reg, machine, enrollSvc, tokens, creds, h)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, store: store, jobs: jobSvc, reg: reg, enroll: enrollSvc, tokens: tokens, creds: creds}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestSubmitAndFetchJob(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"command":        "echo",
		"idempotencyKey": "K1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res types.SubmitResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Accepted)
	assert.NotEmpty(t, res.JobID)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Resubmission of the same key is a 200, not a 201
	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"command":        "echo",
		"idempotencyKey": "K1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var dup types.SubmitResult
	require.NoError(t, json.Unmarshal(body, &dup))
	assert.Equal(t, res.JobID, dup.JobID)
	assert.True(t, dup.Existing)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"command":    "echo",
		"maxRetries": -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTerminalResubmitConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"command":        "echo",
		"idempotencyKey": "K1",
		"parameters":     json.RawMessage(`{"n":1}`),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res types.SubmitResult
	require.NoError(t, json.Unmarshal(body, &res))

	job, err := f.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	job.Status = types.JobStatusCompleted
	require.NoError(t, f.store.PutJob(ctx, job))

	resp, _ = f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"command":        "echo",
		"idempotencyKey": "K1",
		"parameters":     json.RawMessage(`{"n":2}`),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/jobs/missing/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, body := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"command": "tail"})
	var res types.SubmitResult
	require.NoError(t, json.Unmarshal(body, &res))

	for seq := uint64(0); seq < 2; seq++ {
		item := &types.StreamItem{JobID: res.JobID, Sequence: seq, Payload: []byte{byte('a' + seq)}}
		payload, err := json.Marshal(item)
		require.NoError(t, err)
		_, err = f.store.AppendEvent(ctx, &types.Event{
			StreamID: "output/" + res.JobID,
			Sequence: seq + 1,
			Type:     "StreamItem",
			Payload:  payload,
		})
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID+"/output", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []*types.StreamItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 2)
	assert.Equal(t, []byte("a"), items[0].Payload)
	assert.Equal(t, []byte("b"), items[1].Payload)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/jobs/missing/output", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"command": "echo"})
	var res types.SubmitResult
	require.NoError(t, json.Unmarshal(body, &res))

	resp, _ := f.do(t, http.MethodPost, "/api/v1/jobs/"+res.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// A second cancel hits a terminal job
	resp, _ = f.do(t, http.MethodPost, "/api/v1/jobs/"+res.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListJobsFilter(t *testing.T) {
	f := newFixture(t)

	_, _ = f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"command": "a"})
	_, _ = f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"command": "b"})

	resp, body := f.do(t, http.MethodGet, "/api/v1/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*types.Job
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 2)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/jobs?since=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Register(ctx, &types.Agent{
		ID:           "agent-1",
		Name:         "agent-1",
		Capabilities: []*types.Capability{{Name: "echo"}},
		Group:        "edge",
	}, "conn-1"))

	resp, body := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []*types.Agent
	require.NoError(t, json.Unmarshal(body, &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, types.AgentStatusReady, agents[0].Status)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/agents?capability=echo", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/agents/agent-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// No live hub session behind the registry record
	resp, _ = f.do(t, http.MethodGet, "/api/v1/agents/agent-1/state", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEnrollmentFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plaintext, _, err := f.tokens.Generate(ctx, false)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	params := &enroll.Params{NodeID: "node-1", NodeName: "node-1", PublicKey: pub, RequestedCapabilities: []string{"echo"}}
	params.Signature = ed25519.Sign(priv, params.SignaturePayload())
	req, err := f.enroll.RequestEnrollment(ctx, plaintext, params)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/enrollments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []*types.EnrollmentRequest
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)

	resp, body = f.do(t, http.MethodPost, "/api/v1/enrollments/"+req.ID+"/approve",
		map[string]interface{}{"capabilities": []string{"echo"}, "actor": "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cert types.Certificate
	require.NoError(t, json.Unmarshal(body, &cert))
	assert.Equal(t, "node-1", cert.NodeID)

	// Deciding again conflicts
	resp, _ = f.do(t, http.MethodPost, "/api/v1/enrollments/"+req.ID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/enrollments/missing/approve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenManagement(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/token", map[string]interface{}{"autoApprove": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created["token"])

	// The settings endpoint never echoes the secret
	resp, body = f.do(t, http.MethodGet, "/api/v1/token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &settings))
	_, leaked := settings["token"]
	assert.False(t, leaked)
	assert.Equal(t, true, settings["autoApprove"])

	resp, _ = f.do(t, http.MethodPatch, "/api/v1/token", map[string]interface{}{"enabled": false})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &settings))
	assert.Equal(t, false, settings["enabled"])
}

func TestCertificateRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = f.creds.IssueCertificate(ctx, "node-1", pub, []string{"echo"}, time.Hour)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/certificates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var certs []*types.Certificate
	require.NoError(t, json.Unmarshal(body, &certs))
	require.Len(t, certs, 1)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/certificates/node-1/revoke",
		map[string]interface{}{"reason": "compromised", "actor": "ops"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/revocations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var revs []*types.Revocation
	require.NoError(t, json.Unmarshal(body, &revs))
	require.Len(t, revs, 1)
	assert.Equal(t, "compromised", revs[0].Reason)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/certificates/unknown/revoke", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetricsExposed(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/live", "/metrics"} {
		resp, _ := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("path %s", path))
	}
}
