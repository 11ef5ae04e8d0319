package api

import (
	"net/http"
)

// Version is reported by the health endpoint.
var Version = "dev"

// HealthHandler handles GET /v1/sys/health. It answers 503 until a policy
// is active.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	p := s.policies.Current()
	body := map[string]any{
		"status":  "ok",
		"version": Version,
	}
	code := http.StatusOK
	if p == nil {
		code = http.StatusServiceUnavailable
		body["status"] = "no policy"
	} else {
		body["policy_version"] = p.Version
		body["pending_confirmations"] = len(s.engine.PendingList())
	}
	if s.hub != nil {
		body["stream_clients"] = s.hub.Subscribers()
	}
	writeJSON(w, code, body)
}
