package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/flowrpc/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
)

const readHeaderTimeout = 5 * time.Second

// RegisterHTTPHandler mounts handler on the HTTP server of port. Servers
// start with StartHTTP.
func (s *Server) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// StartHTTP serves /api/handlers next to /metrics when metrics are enabled
// and starts every registered HTTP server. Calling it again does nothing
// until the servers were shut down by Close.
func (s *Server) StartHTTP() {
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	}

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if len(s.httpRunning) > 0 {
		return
	}
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		s.httpRunning = append(s.httpRunning, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Server) stopHTTP(ctx context.Context) error {
	s.httpServersMu.Lock()
	running := s.httpRunning
	s.httpRunning = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range running {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.CORSAllowedOrigins) > 0 {
		if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := s.handlerInfos
	if infos == nil {
		infos = []*HandlerInfo{}
	}
	if err := jsoncodec.Encode(w, infos); err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, empty when it is not allowed.
func (s *Server) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
