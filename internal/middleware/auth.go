package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/2beens/offlinecache/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

const ControlTokenHeader = "X-Control-Token"

// ControlAuth guards operator-only control endpoints with a shared token.
// Pages only ever use the always-allowed paths.
type ControlAuth struct {
	token        string
	allowedPaths map[string]bool
}

func NewControlAuth(token string, allowedPaths ...string) *ControlAuth {
	allowed := make(map[string]bool, len(allowedPaths))
	for _, p := range allowedPaths {
		allowed[p] = true
	}
	return &ControlAuth{
		token:        token,
		allowedPaths: allowed,
	}
}

func (h *ControlAuth) Enabled() bool {
	return h.token != ""
}

func (h *ControlAuth) AuthCheck() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth")
			defer span.End()

			if !h.Enabled() || h.allowedPaths[r.URL.Path] {
				span.SetStatus(codes.Ok, "ok")
				next.ServeHTTP(w, r)
				return
			}

			authToken := r.Header.Get(ControlTokenHeader)
			if authToken == "" {
				authToken = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}

			if authToken == "" {
				log.Tracef("[missing token] [auth middleware] unauthorized => %s", r.URL.Path)
				http.Error(w, "no can do", http.StatusUnauthorized)
				span.SetStatus(codes.Error, "missing-auth-token")
				return
			}

			if subtle.ConstantTimeCompare([]byte(authToken), []byte(h.token)) != 1 {
				log.Warnf("[invalid token] [auth middleware] unauthorized => %s", r.URL.Path)
				http.Error(w, "no can do", http.StatusUnauthorized)
				span.SetStatus(codes.Error, "invalid-auth-token")
				return
			}

			span.SetStatus(codes.Ok, "ok")
			next.ServeHTTP(w, r)
		})
	}
}
