package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// BootstrapTokens manages the deployment's singleton bootstrap token.
// The plaintext is returned exactly once at generation; only the bcrypt
// hash is persisted. Regenerating replaces the record, invalidating all
// prior tokens.
type BootstrapTokens struct {
	store storage.BootstrapTokenStore
}

// NewBootstrapTokens creates the token manager
func NewBootstrapTokens(store storage.BootstrapTokenStore) *BootstrapTokens {
	return &BootstrapTokens{store: store}
}

// Generate creates a new bootstrap token, persists its hash, and
// returns the plaintext. This is the only time the plaintext exists.
func (bt *BootstrapTokens) Generate(ctx context.Context, autoApprove bool) (plaintext string, token *types.BootstrapToken, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate random token: %w", err)
	}
	plaintext = hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash token: %w", err)
	}

	token = &types.BootstrapToken{
		ID:          uuid.New().String(),
		Hash:        hash,
		Enabled:     true,
		AutoApprove: autoApprove,
		CreatedAt:   time.Now().UTC(),
	}

	if err := bt.store.PutBootstrapToken(ctx, token); err != nil {
		return "", nil, fmt.Errorf("persist bootstrap token: %w", err)
	}
	return plaintext, token, nil
}

// Verify checks a presented plaintext against the current record.
// Returns the record on success so callers can honor AutoApprove.
func (bt *BootstrapTokens) Verify(ctx context.Context, plaintext string) (*types.BootstrapToken, error) {
	token, err := bt.store.GetBootstrapToken(ctx)
	if err != nil {
		return nil, errdefs.ErrInvalidToken
	}
	if !token.Enabled {
		return nil, errdefs.ErrBootstrapDisabled
	}
	if err := bcrypt.CompareHashAndPassword(token.Hash, []byte(plaintext)); err != nil {
		return nil, errdefs.ErrInvalidToken
	}
	return token, nil
}

// SetEnabled toggles bootstrap admission without rotating the token
func (bt *BootstrapTokens) SetEnabled(ctx context.Context, enabled bool) error {
	token, err := bt.store.GetBootstrapToken(ctx)
	if err != nil {
		return err
	}
	token.Enabled = enabled
	return bt.store.PutBootstrapToken(ctx, token)
}

// SetAutoApprove toggles inline approval of bootstrap enrollments
func (bt *BootstrapTokens) SetAutoApprove(ctx context.Context, autoApprove bool) error {
	token, err := bt.store.GetBootstrapToken(ctx)
	if err != nil {
		return err
	}
	token.AutoApprove = autoApprove
	return bt.store.PutBootstrapToken(ctx, token)
}

// Current returns the persisted record (hash only, never plaintext)
func (bt *BootstrapTokens) Current(ctx context.Context) (*types.BootstrapToken, error) {
	return bt.store.GetBootstrapToken(ctx)
}
