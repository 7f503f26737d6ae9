package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/untoldecay/treeline/internal/assess"
	"github.com/untoldecay/treeline/internal/metrics"
)

// Trusted headers. Email and Groups are asserted by the fronting auth proxy,
// which strips any client-supplied values; the proxy only forwards an email
// it has verified. Client carries the CLI's own version for skew detection.
const (
	headerEmail     = "X-Treeline-Email"
	headerGroups    = "X-Treeline-Groups"
	headerClient    = "X-Treeline-Client"
	headerRequestID = "X-Request-Id"
)

type ctxKey int

const (
	ctxKeyIdentity ctxKey = iota
	ctxKeyRequestID
)

// requestID assigns each request a uuid, echoed in the response headers and
// attached to every log line for the request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter captures the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// logRequests emits one structured line per request and feeds the request
// latency histogram. The route label uses the chi pattern rather than the
// raw path so job ids do not explode the metric's cardinality.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.RequestDuration.WithLabelValues(
			r.Method, route, fmt.Sprintf("%d", sw.status)).Observe(elapsed.Seconds())

		id, _ := r.Context().Value(ctxKeyRequestID).(string)
		s.Log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// identity builds the caller's identity from the trusted headers. The proxy
// withholds the email header for unverified accounts, so presence of the
// header is the verification signal.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(r.Header.Get(headerEmail))
		id := assess.Identity{
			Email:         email,
			EmailVerified: email != "",
		}
		if groups := strings.TrimSpace(r.Header.Get(headerGroups)); groups != "" {
			for _, g := range strings.Split(groups, ",") {
				if g = strings.TrimSpace(g); g != "" {
					id.Groups = append(id.Groups, g)
				}
			}
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFrom returns the identity attached by the middleware. The zero
// identity fails the verified-email blocker downstream, so handlers need no
// presence check of their own.
func identityFrom(ctx context.Context) assess.Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(assess.Identity)
	return id
}

// checkClientVersion rejects clients whose major version does not match the
// server's. Minor and patch skew is tolerated; a major bump means the wire
// contract changed. Requests without the header pass, so browsers and
// probes are unaffected.
func (s *Server) checkClientVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := strings.TrimSpace(r.Header.Get(headerClient))
		if client == "" || s.Version == "" {
			next.ServeHTTP(w, r)
			return
		}
		if semver.Major(canonicalVersion(client)) != semver.Major(canonicalVersion(s.Version)) {
			writeProblem(w, problem{
				Title:  "Client Version Mismatch",
				Detail: fmt.Sprintf("Client version %s is not compatible with server version %s. Please upgrade your client.", client, s.Version),
				Status: http.StatusBadRequest,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// canonicalVersion normalises a version string into the "vMAJOR[.MINOR...]"
// shape x/mod/semver expects.
func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
