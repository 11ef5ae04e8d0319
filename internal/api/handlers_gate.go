package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/org/agentwarden/internal/acl"
	"github.com/org/agentwarden/internal/resource"
	"github.com/org/agentwarden/pkg/models"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 10 * time.Minute
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return badRequest("%v", err)
	}
	return nil
}

type evaluateRequest struct {
	Kind        string          `json:"kind" validate:"required"`
	Quantity    *float64        `json:"quantity"`
	Context     acl.EvalContext `json:"context"`
	WaitSeconds float64         `json:"wait_seconds" validate:"gte=0"`
}

type gateResponse struct {
	acl.GateResult
	Errors []string `json:"errors,omitempty"`
}

// GateEvaluateHandler handles POST /v1/gate/evaluate. A decision that needs
// confirmation is answered with 202 unless wait_seconds is set, in which case
// the server runs the confirmation flow and answers with the outcome.
func (s *Server) GateEvaluateHandler(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeDomainError(w, err)
		return
	}
	qty := 1.0
	if req.Quantity != nil {
		qty = *req.Quantity
	}
	wait := clampWait(time.Duration(req.WaitSeconds * float64(time.Second)))

	res, err := s.engine.Authorize(r.Context(), req.Kind, qty, req.Context, wait)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeGateResult(w, res, wait > 0)
}

func writeGateResult(w http.ResponseWriter, res acl.GateResult, waited bool) {
	resp := gateResponse{GateResult: res}
	code := http.StatusOK
	outcome := "approved"
	switch {
	case res.Approved:
	case res.Decision.Allowed && res.Decision.RequiresConfirmation && !waited:
		code, outcome = http.StatusAccepted, "confirmation_required"
	default:
		code, outcome = http.StatusForbidden, "denied"
		resp.Errors = []string{res.Reason}
	}
	gateOutcomes.WithLabelValues("evaluate", outcome).Inc()
	writeJSON(w, code, resp)
}

func clampWait(d time.Duration) time.Duration {
	if d > maxWait {
		return maxWait
	}
	return d
}

type admitRequest struct {
	EstimatedMB int64           `json:"estimated_mb" validate:"gte=0"`
	Context     acl.EvalContext `json:"context"`
}

type admitResponse struct {
	resource.Admission
	Errors []string `json:"errors,omitempty"`
}

// GateAdmitHandler handles POST /v1/gate/admit.
func (s *Server) GateAdmitHandler(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeDomainError(w, err)
		return
	}

	a := s.governor.ShouldAdmit(r.Context(), req.EstimatedMB, req.Context)
	resp := admitResponse{Admission: a}
	code, outcome := http.StatusOK, "admitted"
	switch {
	case a.Admit:
	case a.NeedsConfirmation:
		code, outcome = http.StatusAccepted, "confirmation_required"
	default:
		code, outcome = http.StatusForbidden, "refused"
		resp.Errors = []string{a.Reason}
	}
	gateOutcomes.WithLabelValues("admit", outcome).Inc()
	writeJSON(w, code, resp)
}

type confirmationRequest struct {
	Decision models.ACLDecision `json:"decision"`
}

// GateRequestConfirmationHandler handles POST /v1/gate/confirmations. The
// decision must be one returned, unmodified, by /v1/gate/evaluate or
// /v1/gate/admit.
func (s *Server) GateRequestConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	var req confirmationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := s.engine.RequestConfirmation(r.Context(), req.Decision)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := s.engine.Confirmation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"operation_id": id,
		"expires_at":   rec.ExpiresAt,
	})
}

// GateWaitHandler handles GET /v1/gate/confirmations/{id}/wait?timeout=30s.
// The timeout is local to this call; giving up leaves the confirmation to
// expire on its own schedule.
func (s *Server) GateWaitHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout := defaultWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		timeout = clampWait(d)
	}

	approved, err := s.engine.WaitForConfirmation(r.Context(), id, timeout)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := s.engine.Confirmation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operation_id": id,
		"approved":     approved,
		"resolution":   rec.Resolution,
	})
}

// parseTimeout accepts a Go duration ("30s") or a bare number of seconds.
func parseTimeout(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, badRequest("timeout must be >= 0")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, badRequest("invalid timeout %q", raw)
	}
	return d, nil
}
