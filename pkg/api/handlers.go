package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// submitJobRequest is the POST /jobs body
type submitJobRequest struct {
	IdempotencyKey       string            `json:"idempotencyKey,omitempty"`
	Command              string            `json:"command"`
	Parameters           json.RawMessage   `json:"parameters,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	TimeoutSeconds       int               `json:"timeoutSeconds,omitempty"`
	MaxRetries           *int              `json:"maxRetries,omitempty"`
	TargetAgentID        string            `json:"targetAgentId,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	CorrelationID        string            `json:"correlationId,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

type decisionRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Block        bool     `json:"block,omitempty"`
	Actor        string   `json:"actor,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

type tokenRequest struct {
	Enabled     *bool `json:"enabled,omitempty"`
	AutoApprove *bool `json:"autoApprove,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errdefs.ErrInvalidArgument)
		return
	}

	res, err := s.jobs.Submit(r.Context(), &types.SubmitRequest{
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Parameters:           req.Parameters,
		Priority:             req.Priority,
		Timeout:              time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRetries:           req.MaxRetries,
		TargetAgentID:        req.TargetAgentID,
		RequiredCapabilities: req.RequiredCapabilities,
		CorrelationID:        req.CorrelationID,
		Metadata:             req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := storage.JobFilter{
		Status:  types.JobStatus(r.URL.Query().Get("status")),
		AgentID: r.URL.Query().Get("agent"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, errdefs.ErrInvalidArgument)
			return
		}
		filter.Since = t
	}

	list, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.jobs.Get(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	evs, err := s.machine.History(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, evs)
}

// handleJobOutput returns the persisted output stream, or with
// ?follow=true keeps the response open and tails the live stream as
// newline-delimited JSON until the end marker.
func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if r.URL.Query().Get("follow") != "true" {
		items, err := s.hub.StreamHistory(r.Context(), jobID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, items)
		return
	}

	ch, err := s.hub.WatchStream(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for item := range ch {
		if err := enc.Encode(item); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}

	if err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"), reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.jobs.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dls)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []*types.Agent
	switch {
	case r.URL.Query().Get("capability") != "":
		agents = s.registry.GetByCapability(r.URL.Query().Get("capability"))
	case r.URL.Query().Get("group") != "":
		agents = s.registry.GetByGroup(r.URL.Query().Get("group"))
	case r.URL.Query().Get("connected") == "true":
		agents = s.registry.Connected()
	default:
		agents = s.registry.All()
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

// handleAgentState queries the live agent over the hub
func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	state, err := s.hub.RequestState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	pending, err := s.enroll.ListPending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	req, cert, err := s.enroll.CheckStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":     req,
		"certificate": cert,
	})
}

func (s *Server) handleApproveEnrollment(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	cert, err := s.enroll.Approve(r.Context(), chi.URLParam(r, "id"), req.Capabilities, actor(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleRejectEnrollment(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.enroll.Reject(r.Context(), chi.URLParam(r, "id"), req.Block, actor(req)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetToken returns token settings, never the secret
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Current(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          token.ID,
		"enabled":     token.Enabled,
		"autoApprove": token.AutoApprove,
		"createdAt":   token.CreatedAt,
	})
}

// handleRegenerateToken rotates the bootstrap token. The plaintext is
// returned exactly once, here.
func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	autoApprove := req.AutoApprove != nil && *req.AutoApprove

	plaintext, token, err := s.tokens.Generate(r.Context(), autoApprove)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":          token.ID,
		"token":       plaintext,
		"enabled":     token.Enabled,
		"autoApprove": token.AutoApprove,
	})
}

func (s *Server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errdefs.ErrInvalidArgument)
		return
	}

	if req.Enabled != nil {
		if err := s.tokens.SetEnabled(r.Context(), *req.Enabled); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.AutoApprove != nil {
		if err := s.tokens.SetAutoApprove(r.Context(), *req.AutoApprove); err != nil {
			s.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.creds.ListCertificates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, certs)
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.creds.Revoke(r.Context(), chi.URLParam(r, "nodeID"), req.Reason, actor(req)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRevocations(w http.ResponseWriter, r *http.Request) {
	revs, err := s.creds.ListRevoked(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, revs)
}

func actor(req decisionRequest) string {
	if req.Actor != "" {
		return req.Actor
	}
	return "admin"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsConflict(err):
		status = http.StatusConflict
	case errdefs.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case errdefs.IsPermissionDenied(err):
		status = http.StatusUnauthorized
	case errdefs.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
