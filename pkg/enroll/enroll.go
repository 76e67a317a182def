package enroll

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// DefaultRequestTTL bounds how long a pending enrollment waits for an
// admin decision before it expires.
const DefaultRequestTTL = 24 * time.Hour

// Params carries the node-provided fields of an enrollment request
type Params struct {
	NodeID                string
	NodeName              string
	PublicKey             []byte
	RequestedCapabilities []string
	Signature             []byte // Node signature over SignaturePayload
}

// SignaturePayload returns the bytes the node must sign with its
// private key to prove possession.
func (p *Params) SignaturePayload() []byte {
	return append([]byte(p.NodeID+"|"), p.PublicKey...)
}

// Service implements the Trust-On-First-Use admission flow: bootstrap
// token validation, the admin approval queue, and certificate issuance
// on approval.
type Service struct {
	store      storage.Store
	creds      *security.CredentialStore
	tokens     *security.BootstrapTokens
	broker     *events.Broker
	requestTTL time.Duration
	logger     zerolog.Logger
}

// NewService creates the enrollment service
func NewService(store storage.Store, creds *security.CredentialStore, tokens *security.BootstrapTokens, broker *events.Broker) *Service {
	return &Service{
		store:      store,
		creds:      creds,
		tokens:     tokens,
		broker:     broker,
		requestTTL: DefaultRequestTTL,
		logger:     log.WithComponent("enroll"),
	}
}

// RequestEnrollment admits a node on the bootstrap path. The token must
// be enabled and match; blocked nodes are refused. When the token has
// AutoApprove set, the request is approved inline and the certificate
// is available immediately via CheckStatus.
func (s *Service) RequestEnrollment(ctx context.Context, bootstrapToken string, params *Params) (*types.EnrollmentRequest, error) {
	if params.NodeID == "" {
		return nil, fmt.Errorf("nodeId: %w", errdefs.ErrMissingField)
	}
	if len(params.PublicKey) == 0 {
		return nil, fmt.Errorf("publicKey: %w", errdefs.ErrMissingField)
	}

	token, err := s.tokens.Verify(ctx, bootstrapToken)
	if err != nil {
		s.logger.Warn().Str("node_id", params.NodeID).Err(err).Msg("bootstrap token rejected")
		return nil, err
	}

	blocked, err := s.store.IsNodeBlocked(ctx, params.NodeID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, errdefs.ErrNodeBlocked
	}

	if err := s.creds.VerifyNodeSignature(params.PublicKey, params.SignaturePayload(), params.Signature); err != nil {
		return nil, err
	}

	req := &types.EnrollmentRequest{
		ID:                    uuid.New().String(),
		NodeID:                params.NodeID,
		NodeName:              params.NodeName,
		PublicKey:             params.PublicKey,
		RequestedCapabilities: params.RequestedCapabilities,
		Signature:             params.Signature,
		SubmittedAt:           time.Now().UTC(),
		Status:                types.EnrollmentPending,
	}

	if err := s.store.PutEnrollment(ctx, req); err != nil {
		return nil, fmt.Errorf("persist enrollment: %w", err)
	}

	s.logger.Info().
		Str("enrollment_id", req.ID).
		Str("node_id", req.NodeID).
		Str("node_name", req.NodeName).
		Str("capabilities", strings.Join(req.RequestedCapabilities, ",")).
		Msg("enrollment requested")

	s.broker.Publish(&events.Event{
		Topic:   events.TopicEnrollRequested,
		AgentID: req.NodeID,
		Message: fmt.Sprintf("node %s requested enrollment", req.NodeID),
	})

	if token.AutoApprove {
		if _, err := s.Approve(ctx, req.ID, req.RequestedCapabilities, "bootstrap-auto-approve"); err != nil {
			return nil, err
		}
		return s.store.GetEnrollment(ctx, req.ID)
	}

	return req, nil
}

// CheckStatus returns the current enrollment state. Pending requests
// older than the TTL are expired in place. On Approved the issued
// certificate is returned alongside.
func (s *Service) CheckStatus(ctx context.Context, enrollmentID string) (*types.EnrollmentRequest, *types.Certificate, error) {
	req, err := s.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, nil, err
	}

	if req.Status == types.EnrollmentPending && time.Now().After(req.SubmittedAt.Add(s.requestTTL)) {
		req.Status = types.EnrollmentExpired
		req.DecidedAt = time.Now().UTC()
		if err := s.store.PutEnrollment(ctx, req); err != nil {
			return nil, nil, err
		}
	}

	if req.Status != types.EnrollmentApproved {
		return req, nil, nil
	}

	cert, err := s.store.GetCertificate(ctx, req.CertSerial)
	if err != nil {
		return nil, nil, err
	}
	return req, cert, nil
}

// Approve grants the enrollment and issues a certificate carrying the
// granted capabilities. Decided requests are not re-decided.
func (s *Service) Approve(ctx context.Context, enrollmentID string, grantedCapabilities []string, actor string) (*types.Certificate, error) {
	req, err := s.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("enrollment %s already %s: %w", enrollmentID, req.Status, errdefs.ErrIllegalTransition)
	}

	if grantedCapabilities == nil {
		grantedCapabilities = req.RequestedCapabilities
	}

	cert, err := s.creds.IssueCertificate(ctx, req.NodeID, req.PublicKey, grantedCapabilities, 0)
	if err != nil {
		return nil, fmt.Errorf("issue certificate: %w", err)
	}

	req.Status = types.EnrollmentApproved
	req.GrantedCapabilities = grantedCapabilities
	req.DecidedAt = time.Now().UTC()
	req.DecidedBy = actor
	req.CertSerial = cert.Serial
	if err := s.store.PutEnrollment(ctx, req); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("enrollment_id", req.ID).
		Str("node_id", req.NodeID).
		Str("actor", actor).
		Str("serial", cert.Serial).
		Msg("enrollment approved")

	s.broker.Publish(&events.Event{
		Topic:   events.TopicEnrollDecided,
		AgentID: req.NodeID,
		Message: fmt.Sprintf("enrollment %s approved by %s", req.ID, actor),
	})

	return cert, nil
}

// Reject denies the enrollment. With blockFuture set the node id is
// added to the persistent block list.
func (s *Service) Reject(ctx context.Context, enrollmentID string, blockFuture bool, actor string) error {
	req, err := s.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("enrollment %s already %s: %w", enrollmentID, req.Status, errdefs.ErrIllegalTransition)
	}

	req.Status = types.EnrollmentRejected
	req.DecidedAt = time.Now().UTC()
	req.DecidedBy = actor
	if err := s.store.PutEnrollment(ctx, req); err != nil {
		return err
	}

	if blockFuture {
		if err := s.store.BlockNode(ctx, req.NodeID); err != nil {
			return err
		}
	}

	s.logger.Info().
		Str("enrollment_id", req.ID).
		Str("node_id", req.NodeID).
		Str("actor", actor).
		Bool("blocked", blockFuture).
		Msg("enrollment rejected")

	s.broker.Publish(&events.Event{
		Topic:   events.TopicEnrollDecided,
		AgentID: req.NodeID,
		Message: fmt.Sprintf("enrollment %s rejected by %s", req.ID, actor),
	})

	return nil
}

// ListPending returns the admin approval queue
func (s *Service) ListPending(ctx context.Context) ([]*types.EnrollmentRequest, error) {
	return s.store.ListEnrollments(ctx, types.EnrollmentPending)
}

// AuthenticateCertificate is the certificate admission path: validate
// the presented certificate and verify the signed nonce under the
// node key it carries. Returns the authenticated node id.
func (s *Service) AuthenticateCertificate(ctx context.Context, cert *types.Certificate, nonce, signedNonce []byte) (string, error) {
	result, err := s.creds.ValidateCertificate(ctx, cert)
	if err != nil {
		return "", err
	}
	if !result.Valid {
		switch result.Reason {
		case "certificate expired":
			return "", errdefs.ErrCertificateExpired
		case "certificate revoked":
			return "", errdefs.ErrCertificateRevoked
		default:
			return "", fmt.Errorf("%s: %w", result.Reason, errdefs.ErrInvalidToken)
		}
	}

	blocked, err := s.store.IsNodeBlocked(ctx, result.NodeID)
	if err != nil {
		return "", err
	}
	if blocked {
		return "", errdefs.ErrNodeBlocked
	}

	if err := s.creds.VerifyNodeSignature(cert.PublicKey, nonce, signedNonce); err != nil {
		return "", err
	}
	return result.NodeID, nil
}
