package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/hub"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
)

const defaultPollInterval = 2 * time.Second

// EnrollOptions configures a TOFU enrollment attempt
type EnrollOptions struct {
	HubURL         string
	BootstrapToken string
	NodeID         string
	NodeName       string
	Capabilities   []string
	PollInterval   time.Duration

	// Dial overrides the websocket dialer, used by tests
	Dial func(ctx context.Context) (hub.Conn, error)
}

// Credentials is the outcome of a successful enrollment
type Credentials struct {
	Certificate *types.Certificate
	PrivateKey  ed25519.PrivateKey
}

// Enroll generates a key-pair, authenticates a restricted bootstrap
// session, and requests admission. It blocks polling the decision
// until approval, rejection, or ctx cancellation. The private key
// never leaves the process.
func Enroll(ctx context.Context, opts EnrollOptions) (*Credentials, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("nodeId: %w", errdefs.ErrMissingField)
	}
	if opts.BootstrapToken == "" {
		return nil, fmt.Errorf("bootstrapToken: %w", errdefs.ErrMissingField)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Dial == nil {
		url := opts.HubURL
		opts.Dial = func(ctx context.Context) (hub.Conn, error) {
			return hub.Dial(ctx, url)
		}
	}
	logger := log.WithComponent("enroll").With().Str("node_id", opts.NodeID).Logger()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key-pair: %w", err)
	}

	conn, err := opts.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := bootstrapHandshake(conn, opts.BootstrapToken); err != nil {
		return nil, fmt.Errorf("bootstrap handshake: %w", err)
	}

	payload := append([]byte(opts.NodeID+"|"), pub...)
	resp, err := callOnce(conn, 1, hub.FrameEnrollRequest, &hub.EnrollRequestPayload{
		BootstrapToken:        opts.BootstrapToken,
		NodeID:                opts.NodeID,
		NodeName:              opts.NodeName,
		PublicKey:             pub,
		RequestedCapabilities: opts.Capabilities,
		Signature:             ed25519.Sign(priv, payload),
	})
	if err != nil {
		return nil, err
	}

	var status hub.EnrollStatusResponse
	if err := json.Unmarshal(resp.Payload, &status); err != nil {
		return nil, err
	}
	logger.Info().Str("enrollment_id", status.EnrollmentID).Str("status", string(status.Status)).Msg("enrollment requested")

	id := uint64(1)
	for {
		switch status.Status {
		case types.EnrollmentApproved:
			if status.Certificate == nil {
				return nil, fmt.Errorf("approved without certificate: %w", errdefs.ErrInvalidArgument)
			}
			logger.Info().Str("serial", status.Certificate.Serial).Msg("enrollment approved")
			return &Credentials{Certificate: status.Certificate, PrivateKey: priv}, nil
		case types.EnrollmentRejected:
			return nil, fmt.Errorf("enrollment rejected: %w", errdefs.ErrNodeBlocked)
		case types.EnrollmentExpired:
			return nil, fmt.Errorf("enrollment expired: %w", errdefs.ErrInvalidToken)
		}

		select {
		case <-time.After(opts.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		id++
		resp, err := callOnce(conn, id, hub.FrameEnrollStatus, &hub.EnrollStatusPayload{EnrollmentID: status.EnrollmentID})
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resp.Payload, &status); err != nil {
			return nil, err
		}
	}
}

// bootstrapHandshake answers the challenge in bootstrap mode, opening
// a restricted session that only accepts enrollment calls.
func bootstrapHandshake(conn hub.Conn, token string) error {
	challenge, err := conn.ReadFrame()
	if err != nil {
		return err
	}
	if challenge.Type != hub.FrameChallenge {
		return fmt.Errorf("expected challenge, got %s: %w", challenge.Type, errdefs.ErrInvalidArgument)
	}

	auth, err := hub.NewFrame(hub.FrameAuth, 0, &hub.AuthPayload{
		Mode:           hub.AuthBootstrap,
		BootstrapToken: token,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(auth); err != nil {
		return err
	}

	reply, err := conn.ReadFrame()
	if err != nil {
		return err
	}
	if reply.Type != hub.FrameAuthOK {
		return fmt.Errorf("refused: %s: %w", reply.Error, errdefs.ErrInvalidToken)
	}
	return nil
}

// callOnce is the single-caller request path used before the agent's
// frame router is running.
func callOnce(conn hub.Conn, id uint64, frameType hub.FrameType, payload interface{}) (*hub.Frame, error) {
	f, err := hub.NewFrame(frameType, id, payload)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(f); err != nil {
		return nil, err
	}

	for {
		resp, err := conn.ReadFrame()
		if err != nil {
			return nil, err
		}
		if resp.Type != hub.FrameResponse || resp.ID != id {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", frameType, resp.Error)
		}
		return resp, nil
	}
}
