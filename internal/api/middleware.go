package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/org/agentwarden/internal/audit"
	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	adminTokenHeader = "X-Warden-Token"
	actorHeader      = "X-Warden-Actor"
	defaultActor     = "admin"
)

// requestIDMiddleware attaches a UUID request ID to each request. Audit
// entries recorded while serving the request carry it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := audit.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware checks the X-Warden-Token header against the configured
// admin token digest. The optional X-Warden-Actor header names the human
// behind the token in audit records.
func adminMiddleware(digest [sha256.Size]byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := r.Header.Get(adminTokenHeader)
			if plaintext == "" {
				writeError(w, http.StatusUnauthorized, "missing "+adminTokenHeader+" header")
				return
			}
			got := sha256.Sum256([]byte(plaintext))
			if subtle.ConstantTimeCompare(got[:], digest[:]) != 1 {
				writeError(w, http.StatusForbidden, "permission denied")
				return
			}
			actor := strings.TrimSpace(r.Header.Get(actorHeader))
			if actor == "" {
				actor = defaultActor
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}

// auditMiddleware records every request and its response code.
func auditMiddleware(auditor AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if auditor == nil {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			auditor.LogRequest(r.Context(), &models.AuditEntry{
				Target:  r.URL.Path,
				Outcome: strconv.Itoa(status),
				Metadata: map[string]any{
					"method":      r.Method,
					"duration_ms": time.Since(start).Milliseconds(),
					"client_ip":   clientIP(r),
				},
			})
		})
	}
}

// rateLimiter is a per-IP token bucket rate limiter.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64
	lastSweep time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

const bucketIdle = 10 * time.Minute

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets:   make(map[string]*bucket),
		rate:      float64(rps),
		burst:     float64(burst),
		lastSweep: time.Now(),
	}
}

func (rl *rateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) > bucketIdle {
		for k, b := range rl.buckets {
			if now.Sub(b.lastCheck) > bucketIdle {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: rl.burst, lastCheck: now}
		rl.buckets[ip] = b
	}
	b.tokens += now.Sub(b.lastCheck).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip, time.Now()) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address
// without its port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
