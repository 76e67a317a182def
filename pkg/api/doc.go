/*
Package api implements the Colony admin REST server.

The api package is the operator-facing surface of a Colony server: job
submission and queries, agent inspection, enrollment decisions,
bootstrap token management and certificate revocation. It is a thin
JSON mapping over the domain services; all semantics live in pkg/jobs,
pkg/registry, pkg/enroll and pkg/security.

# Endpoints

Jobs:
  - POST   /api/v1/jobs              Submit a job (201; 200 when the
    idempotency key already names a job; 409 when the key is terminal
    with a differing payload)
  - GET    /api/v1/jobs              List, filtered by ?status= ?agent= ?since=
  - GET    /api/v1/jobs/{id}         Job record
  - GET    /api/v1/jobs/{id}/history Ordered lifecycle transitions
  - GET    /api/v1/jobs/{id}/output  Recorded output stream; ?follow=true
    tails the live stream as newline-delimited JSON
  - POST   /api/v1/jobs/{id}/cancel  Request cancellation (202)
  - GET    /api/v1/deadletters       Jobs that exhausted their retries

Agents:
  - GET    /api/v1/agents            List, filtered by ?capability= ?group= ?connected=true
  - GET    /api/v1/agents/{id}       Registry record
  - GET    /api/v1/agents/{id}/state Live state queried over the hub

Enrollment and credentials:
  - GET    /api/v1/enrollments                 Pending requests
  - GET    /api/v1/enrollments/{id}            Request status and certificate
  - POST   /api/v1/enrollments/{id}/approve    Issue a certificate
  - POST   /api/v1/enrollments/{id}/reject     Refuse, optionally blocking the node
  - GET    /api/v1/token                       Token settings (never the secret)
  - POST   /api/v1/token                       Rotate; plaintext returned once
  - PATCH  /api/v1/token                       Enable/disable, auto-approve
  - GET    /api/v1/certificates                Issued certificates
  - POST   /api/v1/certificates/{nodeID}/revoke
  - GET    /api/v1/revocations                 Revocation records

Operational:
  - GET /health, /ready, /live
  - GET /metrics (Prometheus)

# Error mapping

Domain error classes map to HTTP status codes: not-found 404, conflict
409, invalid-argument 400, permission-denied 401, transient 503,
everything else 500. The body is {"error": "..."}.

# Usage

	srv := api.NewServer(":7070", jobSvc, reg, machine, enrollSvc, tokens, creds, h)
	go srv.Start()
	...
	srv.Shutdown(ctx)

Handler() exposes the chi router for httptest.
*/
package api
