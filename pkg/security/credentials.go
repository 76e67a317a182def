package security

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// DefaultCertValidity is used when callers pass a zero validity.
const DefaultCertValidity = 90 * 24 * time.Hour

// CredentialStore issues, validates, and revokes per-node certificates
// and holds the server's Ed25519 key-pair. Key material is persisted
// through the certificate store, encrypted with the keybox.
type CredentialStore struct {
	serverID string
	store    storage.Store
	keybox   *Keybox

	mu         sync.RWMutex
	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// serverKeys is the serialized, keybox-encrypted key record
type serverKeys struct {
	ServerID   string
	PublicKey  []byte
	PrivateKey []byte
}

// ValidationResult is the outcome of certificate validation
type ValidationResult struct {
	Valid  bool
	NodeID string
	Reason string
}

// NewCredentialStore creates a credential store bound to a server id
func NewCredentialStore(serverID string, store storage.Store, keybox *Keybox) *CredentialStore {
	return &CredentialStore{
		serverID: serverID,
		store:    store,
		keybox:   keybox,
	}
}

// InitializeServerKeys loads the server key-pair from the store, or
// generates and persists one on first call. Idempotent.
func (cs *CredentialStore) InitializeServerKeys(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.signingKey != nil {
		return nil
	}

	data, err := cs.store.GetServerKeys(ctx)
	if err == nil {
		plaintext, err := cs.keybox.Decrypt(data)
		if err != nil {
			return fmt.Errorf("decrypt server keys: %w", errdefs.ErrKeyStoreUnavailable)
		}
		var keys serverKeys
		if err := json.Unmarshal(plaintext, &keys); err != nil {
			return fmt.Errorf("parse server keys: %w", errdefs.ErrKeyStoreUnavailable)
		}
		cs.publicKey = ed25519.PublicKey(keys.PublicKey)
		cs.signingKey = ed25519.PrivateKey(keys.PrivateKey)
		return nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate server key-pair: %w", err)
	}

	plaintext, err := json.Marshal(serverKeys{
		ServerID:   cs.serverID,
		PublicKey:  pub,
		PrivateKey: priv,
	})
	if err != nil {
		return err
	}
	sealed, err := cs.keybox.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := cs.store.SaveServerKeys(ctx, sealed); err != nil {
		return fmt.Errorf("persist server keys: %w", err)
	}

	cs.publicKey = pub
	cs.signingKey = priv
	return nil
}

// ServerID returns the issuer id embedded in every certificate
func (cs *CredentialStore) ServerID() string {
	return cs.serverID
}

// PublicKey returns the server's public key
func (cs *CredentialStore) PublicKey() ed25519.PublicKey {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.publicKey
}

// certSigningPayload is the canonical byte layout signed by the server.
// Field order is fixed by the struct definition; the signature field is
// excluded.
type certSigningPayload struct {
	Serial       string
	NodeID       string
	PublicKey    []byte
	ServerID     string
	Capabilities []string
	IssuedAt     int64
	ExpiresAt    int64
}

func signingBytes(cert *types.Certificate) ([]byte, error) {
	return json.Marshal(certSigningPayload{
		Serial:       cert.Serial,
		NodeID:       cert.NodeID,
		PublicKey:    cert.PublicKey,
		ServerID:     cert.ServerID,
		Capabilities: cert.Capabilities,
		IssuedAt:     cert.IssuedAt.UnixNano(),
		ExpiresAt:    cert.ExpiresAt.UnixNano(),
	})
}

// IssueCertificate signs and persists a certificate for the node.
// A zero validity defaults to DefaultCertValidity.
func (cs *CredentialStore) IssueCertificate(ctx context.Context, nodeID string, publicKey []byte, capabilities []string, validity time.Duration) (*types.Certificate, error) {
	cs.mu.RLock()
	key := cs.signingKey
	cs.mu.RUnlock()

	if key == nil {
		return nil, errdefs.ErrKeyStoreUnavailable
	}
	if nodeID == "" {
		return nil, fmt.Errorf("nodeID: %w", errdefs.ErrMissingField)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes: %w", ed25519.PublicKeySize, errdefs.ErrInvalidArgument)
	}
	if validity <= 0 {
		validity = DefaultCertValidity
	}

	now := time.Now().UTC()
	cert := &types.Certificate{
		Serial:       uuid.New().String(),
		NodeID:       nodeID,
		PublicKey:    publicKey,
		ServerID:     cs.serverID,
		Capabilities: capabilities,
		IssuedAt:     now,
		ExpiresAt:    now.Add(validity),
	}

	payload, err := signingBytes(cert)
	if err != nil {
		return nil, err
	}
	cert.Signature = ed25519.Sign(key, payload)

	if err := cs.store.PutCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("persist certificate: %w", err)
	}
	return cert, nil
}

// ValidateCertificate checks signature, validity window, issuer, and
// the revocation set. Revocation is read from the store on every call.
func (cs *CredentialStore) ValidateCertificate(ctx context.Context, cert *types.Certificate) (*ValidationResult, error) {
	cs.mu.RLock()
	pub := cs.publicKey
	cs.mu.RUnlock()

	if pub == nil {
		return nil, errdefs.ErrKeyStoreUnavailable
	}
	if cert == nil {
		return &ValidationResult{Valid: false, Reason: "no certificate presented"}, nil
	}

	if cert.ServerID != cs.serverID {
		return &ValidationResult{Valid: false, Reason: "issuer mismatch"}, nil
	}

	payload, err := signingBytes(cert)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, payload, cert.Signature) {
		return &ValidationResult{Valid: false, Reason: "signature verification failed"}, nil
	}

	now := time.Now()
	if now.Before(cert.IssuedAt) {
		return &ValidationResult{Valid: false, Reason: "certificate not yet valid"}, nil
	}
	if now.After(cert.ExpiresAt) {
		return &ValidationResult{Valid: false, Reason: "certificate expired"}, nil
	}

	revoked, err := cs.store.IsRevoked(ctx, cert.Serial)
	if err != nil {
		return nil, fmt.Errorf("revocation check: %w", err)
	}
	if revoked {
		return &ValidationResult{Valid: false, Reason: "certificate revoked"}, nil
	}

	return &ValidationResult{Valid: true, NodeID: cert.NodeID}, nil
}

// Revoke adds every certificate issued to the node to the revocation
// set. Revocation is persistent and takes effect on the next validation.
func (cs *CredentialStore) Revoke(ctx context.Context, nodeID, reason, actor string) error {
	certs, err := cs.store.ListCertificates(ctx)
	if err != nil {
		return err
	}

	found := false
	for _, cert := range certs {
		if cert.NodeID != nodeID {
			continue
		}
		found = true
		rev := &types.Revocation{
			Serial:    cert.Serial,
			NodeID:    nodeID,
			Reason:    reason,
			Actor:     actor,
			RevokedAt: time.Now().UTC(),
		}
		if err := cs.store.AddRevocation(ctx, rev); err != nil {
			return fmt.Errorf("persist revocation: %w", err)
		}
	}
	if !found {
		return fmt.Errorf("node %s has no certificates: %w", nodeID, errdefs.ErrUnknownAgent)
	}
	return nil
}

// ListCertificates returns every issued certificate
func (cs *CredentialStore) ListCertificates(ctx context.Context) ([]*types.Certificate, error) {
	return cs.store.ListCertificates(ctx)
}

// ListRevoked returns all revocation records
func (cs *CredentialStore) ListRevoked(ctx context.Context) ([]*types.Revocation, error) {
	return cs.store.ListRevocations(ctx)
}

// SignChallenge signs a nonce with the server key so agents can verify
// they are talking to the server that issued their certificate.
func (cs *CredentialStore) SignChallenge(nonce []byte) ([]byte, error) {
	cs.mu.RLock()
	key := cs.signingKey
	cs.mu.RUnlock()

	if key == nil {
		return nil, errdefs.ErrKeyStoreUnavailable
	}
	return ed25519.Sign(key, nonce), nil
}

// VerifyNodeSignature verifies data signed with a node's private key
// against the node public key recorded in its certificate.
func (cs *CredentialStore) VerifyNodeSignature(publicKey, data, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes: %w", ed25519.PublicKeySize, errdefs.ErrInvalidArgument)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), data, signature) {
		return errdefs.ErrInvalidSignature
	}
	return nil
}
