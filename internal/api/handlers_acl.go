package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/org/agentwarden/internal/events"
)

// PendingHandler handles GET /v1/acl/pending.
func (s *Server) PendingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.PendingList()})
}

// ConfirmationHandler handles GET /v1/acl/confirmations/{id}.
func (s *Server) ConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Confirmation(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type confirmRequest struct {
	OperationID string `json:"operation_id" validate:"required"`
	Approved    *bool  `json:"approved" validate:"required"`
}

// ConfirmHandler handles POST /v1/acl/confirm.
func (s *Server) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeDomainError(w, err)
		return
	}
	ctx := r.Context()
	if err := s.engine.ConfirmOperation(ctx, req.OperationID, *req.Approved, actorFromCtx(ctx)); err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := s.engine.Confirmation(req.OperationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StreamHandler handles GET /v1/acl/stream, a websocket carrying every
// published event. The first message is a "ready" event.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.WSOriginPatterns) > 0 {
		opts.OriginPatterns = s.cfg.WSOriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.hub.Subscribe(64)
	defer s.hub.Unsubscribe(sub)
	streamClients.Inc()
	defer streamClients.Dec()

	_ = wsjson.Write(ctx, conn, events.NewEvent("ready", map[string]int{"pending": len(s.engine.PendingList())}))

	// Reads only detect the peer going away.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
