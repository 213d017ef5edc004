package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/types"
)

type contextKey string

// userKey carries the authenticated user through the request context
const userKey contextKey = "strata_user"

// cookieName is the browser fallback channel for the bearer secret
const cookieName = "strata_token"

// UserFromContext returns the authenticated user attached by the
// middleware, or nil on unauthenticated requests.
func UserFromContext(ctx context.Context) *types.UserProfile {
	user, _ := ctx.Value(userKey).(*types.UserProfile)
	return user
}

// bearerToken extracts the token from the Authorization header, falling
// back to the session cookie for browser contexts.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// requireAuth rejects with Unauthorized unless a valid access token is
// presented, and attaches the resolved user to the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := bearerToken(r)
		if secret == "" {
			metrics.AuthFailuresTotal.Inc()
			writeError(w, types.ErrAuthInvalid)
			return
		}
		user, err := s.tokens.Validate(secret)
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// optionalAuth attaches the user when a valid token is presented but lets
// anonymous requests through, for endpoints serving public datasets.
func (s *Server) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret := bearerToken(r); secret != "" {
			if user, err := s.tokens.Validate(secret); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), userKey, user))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request count and latency per route pattern
func (s *Server) instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
