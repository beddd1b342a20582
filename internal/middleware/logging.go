package middleware

import (
	"net/http"

	"github.com/2beens/offlinecache/pkg"

	log "github.com/sirupsen/logrus"
)

func LogRequest() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Tracef(" ====> request [%s] path: [%s] mode: [%s] dest: [%s] [ip: %s] [UA: %s]",
				r.Method,
				r.URL.Path,
				r.Header.Get("Sec-Fetch-Mode"),
				r.Header.Get("Sec-Fetch-Dest"),
				pkg.ReadUserIP(r),
				r.Header.Get("User-Agent"),
			)
			next.ServeHTTP(w, r)
		})
	}
}
