package api

import (
	"net/http"

	"github.com/org/agentwarden/internal/resource"
)

// LimitsHandler handles GET /v1/resource/limits.
func (s *Server) LimitsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.governor.ExportLimits())
}

// UpdateAllocationHandler handles POST /v1/resource/update. Absent fields
// keep their current values.
func (s *Server) UpdateAllocationHandler(w http.ResponseWriter, r *http.Request) {
	var req resource.AllocationUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	ctx := r.Context()
	alloc, applied, err := s.governor.UpdateAllocation(ctx, req, actorFromCtx(ctx))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allocation": alloc,
		"applied":    applied,
	})
}
