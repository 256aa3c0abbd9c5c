package middleware

import (
	"log/slog"
	"net/http"
	"sync"
)

// NewConnectionLimiter bounds concurrent WebSocket sessions per client IP.
// The upgrade handler blocks for the lifetime of the connection, so counting
// in-flight requests counts live sessions.
func NewConnectionLimiter(logger *slog.Logger, maxPerIP int) Middleware {
	var mu sync.Mutex
	inflight := make(map[string]int)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			mu.Lock()
			count := inflight[reqMeta.IP]
			if count >= maxPerIP {
				mu.Unlock()
				logger.Warn("IP connection limit reached",
					slog.String("ip", reqMeta.IP),
					slog.Int("count", count),
				)
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			inflight[reqMeta.IP] = count + 1
			mu.Unlock()

			defer func() {
				mu.Lock()
				inflight[reqMeta.IP]--
				if inflight[reqMeta.IP] <= 0 {
					delete(inflight, reqMeta.IP)
				}
				mu.Unlock()
			}()

			next.ServeHTTP(w, r)
		})
	}
}
