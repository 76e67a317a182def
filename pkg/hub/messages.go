package hub

import (
	"encoding/json"

	"github.com/cuemby/colony/pkg/types"
)

// FrameType names a hub protocol message
type FrameType string

// Server -> agent frames
const (
	FrameChallenge    FrameType = "challenge"
	FrameAuthOK       FrameType = "auth_ok"
	FrameResponse     FrameType = "response"
	FrameAssignJob    FrameType = "assign_job"
	FrameCancelJob    FrameType = "cancel_job"
	FrameRequestState FrameType = "request_state"
)

// Agent -> server frames
const (
	FrameAuth          FrameType = "auth"
	FrameRegister      FrameType = "register"
	FrameUnregister    FrameType = "unregister"
	FrameHeartbeat     FrameType = "heartbeat"
	FrameAckJob        FrameType = "ack_job"
	FrameNackJob       FrameType = "nack_job"
	FrameProgress      FrameType = "progress"
	FrameStream        FrameType = "stream"
	FrameResult        FrameType = "result"
	FrameState         FrameType = "state"
	FrameEnrollRequest FrameType = "enroll_request"
	FrameEnrollStatus  FrameType = "enroll_status"
)

// Frame is the hub wire envelope. Agent calls carry a correlation id
// echoed back on the matching response frame; push frames from the
// server carry no id.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func NewFrame(t FrameType, id uint64, payload interface{}) (*Frame, error) {
	f := &Frame{Type: t, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return f, nil
}

// AuthMode selects the admission path of the handshake
type AuthMode string

const (
	AuthCertificate AuthMode = "certificate"
	AuthBootstrap   AuthMode = "bootstrap"
	AuthAnonymous   AuthMode = "anonymous"
)

// ChallengePayload carries the server nonce the agent must sign on the
// certificate path.
type ChallengePayload struct {
	ServerID string `json:"serverId"`
	Nonce    []byte `json:"nonce"`
}

// AuthPayload is the first agent frame on a new connection
type AuthPayload struct {
	Mode           AuthMode           `json:"mode"`
	Certificate    *types.Certificate `json:"certificate,omitempty"`
	SignedNonce    []byte             `json:"signedNonce,omitempty"`
	BootstrapToken string             `json:"bootstrapToken,omitempty"`
}

// AuthOKPayload confirms admission
type AuthOKPayload struct {
	ConnID     string `json:"connId"`
	ServerID   string `json:"serverId"`
	Restricted bool   `json:"restricted"` // pending enrollment, no job traffic
}

// RegisterPayload announces the agent's identity and capabilities
type RegisterPayload struct {
	AgentID      string              `json:"agentId"`
	Name         string              `json:"name"`
	Capabilities []*types.Capability `json:"capabilities,omitempty"`
	Group        string              `json:"group,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}

// HeartbeatPayload keeps presence alive
type HeartbeatPayload struct {
	AgentID string `json:"agentId"`
}

// AckPayload acknowledges an assignment
type AckPayload struct {
	JobID string `json:"jobId"`
}

// NackPayload refuses an assignment
type NackPayload struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// StatePayload reports the agent lifecycle status and properties
type StatePayload struct {
	AgentID string            `json:"agentId"`
	Status  types.AgentStatus `json:"status"`
	Props   map[string]string `json:"props,omitempty"`
}

// EnrollRequestPayload starts the bootstrap admission flow
type EnrollRequestPayload struct {
	BootstrapToken        string   `json:"bootstrapToken"`
	NodeID                string   `json:"nodeId"`
	NodeName              string   `json:"nodeName,omitempty"`
	PublicKey             []byte   `json:"publicKey"`
	RequestedCapabilities []string `json:"requestedCapabilities,omitempty"`
	Signature             []byte   `json:"signature"`
}

// EnrollStatusPayload polls an enrollment decision
type EnrollStatusPayload struct {
	EnrollmentID string `json:"enrollmentId"`
}

// EnrollStatusResponse is returned for both enrollment calls. When a
// certificate is granted to a restricted session, UpgradeNonce carries
// the single-use challenge the agent signs to upgrade the connection.
type EnrollStatusResponse struct {
	EnrollmentID string                   `json:"enrollmentId"`
	Status       types.EnrollmentStatus   `json:"status"`
	Certificate  *types.Certificate       `json:"certificate,omitempty"`
	Request      *types.EnrollmentRequest `json:"request,omitempty"`
	UpgradeNonce []byte                   `json:"upgradeNonce,omitempty"`
}

// AssignPayload pushes a job to the agent
type AssignPayload struct {
	Job *types.Job `json:"job"`
}

// CancelPayload tells the agent to stop a job
type CancelPayload struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}
