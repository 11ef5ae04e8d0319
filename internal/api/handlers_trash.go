package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/agentwarden/internal/acl"
	"github.com/org/agentwarden/pkg/models"
)

// TrashListHandler handles GET /v1/trash.
func (s *Server) TrashListHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.trash.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// TrashGetHandler handles GET /v1/trash/{id}.
func (s *Server) TrashGetHandler(w http.ResponseWriter, r *http.Request) {
	e, err := s.trash.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type trashMoveRequest struct {
	Path        string   `json:"path" validate:"required"`
	Permanent   bool     `json:"permanent"`
	WaitSeconds *float64 `json:"wait_seconds" validate:"omitempty,gte=0"`
}

// TrashMoveHandler handles POST /v1/trash. The deletion passes through the
// "delete" file-operation rule first; when that rule needs confirmation the
// call waits for it, by default up to the policy's confirmation timeout.
func (s *Server) TrashMoveHandler(w http.ResponseWriter, r *http.Request) {
	var req trashMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeDomainError(w, err)
		return
	}
	ctx := r.Context()
	actor := actorFromCtx(ctx)

	wait := models.DefaultConfirmationTimeout
	if p := s.policies.Current(); p != nil {
		wait = p.ConfirmationTimeout()
	}
	if req.WaitSeconds != nil {
		wait = time.Duration(*req.WaitSeconds * float64(time.Second))
	}
	wait = clampWait(wait)

	ectx := acl.EvalContext{
		Actor:    actor,
		Path:     req.Path,
		Metadata: map[string]any{"permanent": req.Permanent},
	}
	res, err := s.engine.Authorize(ctx, models.OpDelete, 1, ectx, wait)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !res.Approved {
		writeGateResult(w, res, wait > 0)
		return
	}

	entry, err := s.trash.MoveToTrash(ctx, req.Path, req.Permanent, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// TrashRestoreHandler handles POST /v1/trash/{id}/restore.
func (s *Server) TrashRestoreHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	target, err := s.trash.Restore(ctx, id, actorFromCtx(ctx))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trash_id": id, "restored_to": target})
}

type trashEmptyRequest struct {
	OlderThanDays *int `json:"older_than_days" validate:"omitempty,gte=0"`
}

// TrashEmptyHandler handles POST /v1/trash/empty. Without older_than_days the
// policy retention applies.
func (s *Server) TrashEmptyHandler(w http.ResponseWriter, r *http.Request) {
	var req trashEmptyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeDomainError(w, err)
		return
	}
	ctx := r.Context()
	n, err := s.trash.Empty(ctx, req.OlderThanDays, actorFromCtx(ctx))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"erased": n})
}
