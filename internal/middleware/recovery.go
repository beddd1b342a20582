package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/2beens/offlinecache/internal/telemetry/metrics"
	"github.com/2beens/offlinecache/pkg"

	log "github.com/sirupsen/logrus"
)

// PanicRecovery turns a handler panic into a 500 unless the handler already
// started the response, in which case the connection is left to the server.
func PanicRecovery(metricsManager *metrics.Manager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			tracked := &headerTracker{ResponseWriter: w}
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				log.Errorf("panic serving [%s] %s (route: %s): %v\n%s",
					req.Method, req.URL.Path, routeName(req), r, debug.Stack())
				if metricsManager != nil {
					metricsManager.CounterHandleRequestPanic.Inc()
				}
				if tracked.wroteHeader {
					return
				}
				pkg.WriteResponse(w, pkg.ContentType.Text, "internal error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(tracked, req)
		})
	}
}

type headerTracker struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *headerTracker) WriteHeader(statusCode int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(statusCode)
}

func (t *headerTracker) Write(b []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(b)
}

func (t *headerTracker) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

func (t *headerTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	t.wroteHeader = true
	return hijacker.Hijack()
}

func (t *headerTracker) Flush() {
	if flusher, ok := t.ResponseWriter.(http.Flusher); ok {
		t.wroteHeader = true
		flusher.Flush()
	}
}
