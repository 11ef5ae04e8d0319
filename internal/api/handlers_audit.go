package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/agentwarden/internal/storage"
)

const maxAuditPage = 1000

// AuditLogHandler handles GET /v1/sys/audit-log?event=&since=&limit=&offset=.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Event: q.Get("event"),
		Limit: 100,
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeDomainError(w, badRequest("invalid limit %q", l))
			return
		}
		filter.Limit = min(n, maxAuditPage)
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			writeDomainError(w, badRequest("invalid offset %q", o))
			return
		}
		filter.Offset = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeDomainError(w, badRequest("since must be RFC3339"))
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
