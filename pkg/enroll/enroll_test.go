package enroll

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

func newTestService(t *testing.T) (*Service, *security.BootstrapTokens, storage.Store) {
	t.Helper()

	store := storage.NewMemoryStore()
	keybox, err := security.NewKeyboxFromPassphrase("test-passphrase")
	require.NoError(t, err)

	creds := security.NewCredentialStore("server-1", store, keybox)
	require.NoError(t, creds.InitializeServerKeys(context.Background()))

	tokens := security.NewBootstrapTokens(store)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewService(store, creds, tokens, broker), tokens, store
}

func newNodeParams(t *testing.T, nodeID string, caps []string) (*Params, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	params := &Params{
		NodeID:                nodeID,
		NodeName:              nodeID,
		PublicKey:             pub,
		RequestedCapabilities: caps,
	}
	params.Signature = ed25519.Sign(priv, params.SignaturePayload())
	return params, priv
}

func TestRequestEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("pending without auto-approve", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		plaintext, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)

		params, _ := newNodeParams(t, "node-1", []string{"backup", "exec"})
		req, err := svc.RequestEnrollment(ctx, plaintext, params)
		require.NoError(t, err)
		assert.Equal(t, types.EnrollmentPending, req.Status)
		assert.Equal(t, []string{"backup", "exec"}, req.RequestedCapabilities)

		pending, err := svc.ListPending(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("auto-approve issues certificate inline", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		plaintext, _, err := tokens.Generate(ctx, true)
		require.NoError(t, err)

		params, _ := newNodeParams(t, "node-2", []string{"exec"})
		req, err := svc.RequestEnrollment(ctx, plaintext, params)
		require.NoError(t, err)
		assert.Equal(t, types.EnrollmentApproved, req.Status)

		_, cert, err := svc.CheckStatus(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, cert)
		assert.Equal(t, "node-2", cert.NodeID)
		assert.Equal(t, []string{"exec"}, cert.Capabilities)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		_, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)

		params, _ := newNodeParams(t, "node-3", nil)
		_, err = svc.RequestEnrollment(ctx, "not-the-token", params)
		assert.ErrorIs(t, err, errdefs.ErrInvalidToken)
	})

	t.Run("disabled token rejected", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		plaintext, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)
		require.NoError(t, tokens.SetEnabled(ctx, false))

		params, _ := newNodeParams(t, "node-4", nil)
		_, err = svc.RequestEnrollment(ctx, plaintext, params)
		assert.ErrorIs(t, err, errdefs.ErrBootstrapDisabled)
	})

	t.Run("blocked node refused", func(t *testing.T) {
		svc, tokens, store := newTestService(t)
		plaintext, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)
		require.NoError(t, store.BlockNode(ctx, "node-5"))

		params, _ := newNodeParams(t, "node-5", nil)
		_, err = svc.RequestEnrollment(ctx, plaintext, params)
		assert.ErrorIs(t, err, errdefs.ErrNodeBlocked)
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		plaintext, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)

		params, _ := newNodeParams(t, "node-6", nil)
		params.Signature[0] ^= 0xff
		_, err = svc.RequestEnrollment(ctx, plaintext, params)
		assert.ErrorIs(t, err, errdefs.ErrInvalidSignature)
	})

	t.Run("missing node id", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		plaintext, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)

		params, _ := newNodeParams(t, "", nil)
		_, err = svc.RequestEnrollment(ctx, plaintext, params)
		assert.ErrorIs(t, err, errdefs.ErrMissingField)
	})
}

func TestApproveReject(t *testing.T) {
	ctx := context.Background()

	enrollPending := func(t *testing.T, svc *Service, tokens *security.BootstrapTokens, nodeID string) *types.EnrollmentRequest {
		plaintext, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)
		params, _ := newNodeParams(t, nodeID, []string{"backup", "exec"})
		req, err := svc.RequestEnrollment(ctx, plaintext, params)
		require.NoError(t, err)
		return req
	}

	t.Run("approve with narrowed capabilities", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		req := enrollPending(t, svc, tokens, "node-1")

		cert, err := svc.Approve(ctx, req.ID, []string{"backup"}, "admin")
		require.NoError(t, err)
		assert.Equal(t, []string{"backup"}, cert.Capabilities)

		updated, gotCert, err := svc.CheckStatus(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, types.EnrollmentApproved, updated.Status)
		assert.Equal(t, "admin", updated.DecidedBy)
		assert.Equal(t, cert.Serial, gotCert.Serial)
	})

	t.Run("approve defaults to requested capabilities", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		req := enrollPending(t, svc, tokens, "node-2")

		cert, err := svc.Approve(ctx, req.ID, nil, "admin")
		require.NoError(t, err)
		assert.Equal(t, []string{"backup", "exec"}, cert.Capabilities)
	})

	t.Run("decided enrollment cannot be re-decided", func(t *testing.T) {
		svc, tokens, _ := newTestService(t)
		req := enrollPending(t, svc, tokens, "node-3")

		_, err := svc.Approve(ctx, req.ID, nil, "admin")
		require.NoError(t, err)

		_, err = svc.Approve(ctx, req.ID, nil, "admin")
		assert.ErrorIs(t, err, errdefs.ErrIllegalTransition)
		err = svc.Reject(ctx, req.ID, false, "admin")
		assert.ErrorIs(t, err, errdefs.ErrIllegalTransition)
	})

	t.Run("reject with block prevents re-enrollment", func(t *testing.T) {
		svc, tokens, store := newTestService(t)
		req := enrollPending(t, svc, tokens, "node-4")

		require.NoError(t, svc.Reject(ctx, req.ID, true, "admin"))

		blocked, err := store.IsNodeBlocked(ctx, "node-4")
		require.NoError(t, err)
		assert.True(t, blocked)

		plaintext, _, err := tokens.Generate(ctx, false)
		require.NoError(t, err)
		params, _ := newNodeParams(t, "node-4", nil)
		_, err = svc.RequestEnrollment(ctx, plaintext, params)
		assert.ErrorIs(t, err, errdefs.ErrNodeBlocked)
	})

	t.Run("unknown enrollment", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Approve(ctx, "missing", nil, "admin")
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestCheckStatusExpiry(t *testing.T) {
	ctx := context.Background()
	svc, tokens, _ := newTestService(t)
	svc.requestTTL = 10 * time.Millisecond

	plaintext, _, err := tokens.Generate(ctx, false)
	require.NoError(t, err)
	params, _ := newNodeParams(t, "node-1", nil)
	req, err := svc.RequestEnrollment(ctx, plaintext, params)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	updated, cert, err := svc.CheckStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollmentExpired, updated.Status)
	assert.Nil(t, cert)

	// Expired is terminal
	_, err = svc.Approve(ctx, req.ID, nil, "admin")
	assert.ErrorIs(t, err, errdefs.ErrIllegalTransition)
}

func TestAuthenticateCertificate(t *testing.T) {
	ctx := context.Background()
	svc, tokens, _ := newTestService(t)

	plaintext, _, err := tokens.Generate(ctx, true)
	require.NoError(t, err)
	params, priv := newNodeParams(t, "node-1", []string{"exec"})
	req, err := svc.RequestEnrollment(ctx, plaintext, params)
	require.NoError(t, err)
	_, cert, err := svc.CheckStatus(ctx, req.ID)
	require.NoError(t, err)

	nonce := []byte("challenge-nonce")

	t.Run("valid certificate and nonce", func(t *testing.T) {
		signed := ed25519.Sign(priv, nonce)
		nodeID, err := svc.AuthenticateCertificate(ctx, cert, nonce, signed)
		require.NoError(t, err)
		assert.Equal(t, "node-1", nodeID)
	})

	t.Run("bad nonce signature", func(t *testing.T) {
		signed := ed25519.Sign(priv, []byte("other"))
		_, err := svc.AuthenticateCertificate(ctx, cert, nonce, signed)
		assert.ErrorIs(t, err, errdefs.ErrInvalidSignature)
	})

	t.Run("tampered certificate", func(t *testing.T) {
		forged := *cert
		forged.Capabilities = append([]string{"admin"}, cert.Capabilities...)
		signed := ed25519.Sign(priv, nonce)
		_, err := svc.AuthenticateCertificate(ctx, &forged, nonce, signed)
		assert.ErrorIs(t, err, errdefs.ErrInvalidToken)
	})

	t.Run("revoked certificate", func(t *testing.T) {
		revSvc, revTokens, _ := newTestService(t)
		pt, _, err := revTokens.Generate(ctx, true)
		require.NoError(t, err)
		p, k := newNodeParams(t, "node-r", nil)
		r, err := revSvc.RequestEnrollment(ctx, pt, p)
		require.NoError(t, err)
		_, c, err := revSvc.CheckStatus(ctx, r.ID)
		require.NoError(t, err)

		require.NoError(t, revSvc.creds.Revoke(ctx, "node-r", "compromised", "admin"))

		signed := ed25519.Sign(k, nonce)
		_, err = revSvc.AuthenticateCertificate(ctx, c, nonce, signed)
		assert.ErrorIs(t, err, errdefs.ErrCertificateRevoked)
	})
}
