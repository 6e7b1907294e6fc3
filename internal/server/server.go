package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, db Database, broker Broker, log *slog.Logger) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := NewHandler(db, broker, cfg.AcceptedSecrets, subLogger)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           allowOrigins(cfg.AllowedOrigins, h),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// allowOrigins adds CORS headers for origins in the allow-list.
// The list entry "*" allows any origin.
func allowOrigins(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			_, ok := allowed[origin]
			if ok || allowAll {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
