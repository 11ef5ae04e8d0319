package api

import (
	"net/http"
	"time"

	"github.com/org/agentwarden/pkg/models"
)

type policyResponse struct {
	Version  int64                  `json:"version"`
	LoadedAt string                 `json:"loaded_at"`
	Path     string                 `json:"path,omitempty"`
	Policy   *models.SecurityPolicy `json:"policy"`
}

func (s *Server) describePolicy(p *models.SecurityPolicy) policyResponse {
	return policyResponse{
		Version:  p.Version,
		LoadedAt: p.LoadedAt.Format(time.RFC3339),
		Path:     s.policies.Path(),
		Policy:   p,
	}
}

// PolicyReadHandler handles GET /v1/sys/policy.
func (s *Server) PolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	p := s.policies.Current()
	if p == nil {
		writeError(w, http.StatusServiceUnavailable, "no policy loaded")
		return
	}
	writeJSON(w, http.StatusOK, s.describePolicy(p))
}

// PolicyReloadHandler handles POST /v1/sys/policy/reload. A document that
// fails validation is rejected and the active snapshot stays in place.
func (s *Server) PolicyReloadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.policies.ReloadFromFile()
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	entry := &models.AuditEntry{
		Actor:   actorFromCtx(ctx),
		Event:   models.EventPolicyLoaded,
		Target:  s.policies.Path(),
		Outcome: outcome,
	}
	if err != nil {
		entry.Reason = err.Error()
	} else {
		entry.PolicyVersion = p.Version
	}
	if s.auditor != nil {
		s.auditor.Record(ctx, entry)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describePolicy(p))
}
