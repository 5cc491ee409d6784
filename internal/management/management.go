// Package management provides a lightweight HTTP API for runtime inspection
// of the running server. It is a collaborator of the serving engine, not
// part of it: the data plane speaks raw HTTP/1.0 through its own responder,
// while this control plane rides net/http on a separate port.
//
// Endpoints:
//
//	GET /status   - policy, capacity, worker count, live occupancy, uptime
//	GET /metrics  - full metrics snapshot (admission, responses, latency)
//	GET /healthz  - liveness probe
package management

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"admission-httpd/internal/config"
	"admission-httpd/internal/logger"
	"admission-httpd/internal/metrics"
	"admission-httpd/internal/sched"
)

// maxControlConns bounds concurrent control-plane connections so the status
// API can never starve the data plane of file descriptors.
const maxControlConns = 16

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	eng       *sched.Engine
	met       *metrics.Metrics // nil = no metrics endpoint data
	log       *logger.Logger
	token     string // bearer token for auth; empty = no auth
	startTime time.Time
	workers   int
}

// New creates a management server over the given engine.
func New(cfg *config.Config, eng *sched.Engine, met *metrics.Metrics, log *logger.Logger, workers int) *Server {
	if log == nil {
		log = logger.New("mgmt", cfg.LogLevel)
	}
	return &Server{
		cfg:       cfg,
		eng:       eng,
		met:       met,
		log:       log,
		token:     cfg.StatusToken,
		startTime: time.Now(),
		workers:   workers,
	}
}

// ListenAndServe binds the status port and serves until the listener fails.
// The listener is capped at maxControlConns concurrent connections.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.StatusPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Infof("listen", "status API on %s", addr)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.Serve(netutil.LimitListener(ln, maxControlConns))
}

// Handler returns the route mux. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.auth(s.handleStatus))
	mux.HandleFunc("/metrics", s.auth(s.handleMetrics))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})
	return mux
}

// auth wraps a handler with optional bearer-token authentication.
// Comparison is constant-time.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// statusResponse is the JSON shape of GET /status.
type statusResponse struct {
	Policy     string  `json:"policy"`
	Capacity   int     `json:"capacity"`
	Workers    int     `json:"workers"`
	Waiting    int     `json:"waiting"`
	InFlight   int     `json:"inFlight"`
	DocRoot    string  `json:"docRoot"`
	UptimeSecs float64 `json:"uptimeSecs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	waiting, inFlight := s.eng.Occupancy()
	writeJSON(w, statusResponse{
		Policy:     s.eng.Policy().String(),
		Capacity:   s.eng.Capacity(),
		Workers:    s.workers,
		Waiting:    waiting,
		InFlight:   inFlight,
		DocRoot:    s.cfg.DocRoot,
		UptimeSecs: time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.met == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, s.met.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}
