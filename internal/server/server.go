// Package server ties the listener, the acceptor loop, the serving engine,
// and the per-worker responders together.
//
// The acceptor is a single goroutine (the caller of Serve): it accepts a TCP
// connection, allocates the connection record, stamps the arrival time, and
// hands the record to the engine. Nothing else runs on that goroutine;
// admission may block it when the policy is "block".
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"admission-httpd/internal/config"
	"admission-httpd/internal/logger"
	"admission-httpd/internal/metrics"
	"admission-httpd/internal/queue"
	"admission-httpd/internal/request"
	"admission-httpd/internal/sched"
)

// Server owns the serving engine and builds one responder per worker.
type Server struct {
	cfg *config.Config
	eng *sched.Engine
	log *logger.Logger
	met *metrics.Metrics
}

// New creates a server around the given engine. met may be nil.
func New(cfg *config.Config, eng *sched.Engine, log *logger.Logger, met *metrics.Metrics) *Server {
	if log == nil {
		log = logger.New("server", cfg.LogLevel)
	}
	if met == nil {
		met = metrics.New()
	}
	return &Server{cfg: cfg, eng: eng, log: log, met: met}
}

// Engine returns the serving engine (consumed by the status endpoint).
func (s *Server) Engine() *sched.Engine { return s.eng }

// ListenAndServe binds the configured address on the given port, starts the
// worker pool, and runs the accept loop on the calling goroutine. It returns
// only on a non-recoverable listener error.
func (s *Server) ListenAndServe(port, threads int) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.log.Infof("listen", "serving on %s (%d workers, capacity %d, policy %s)",
		addr, threads, s.eng.Capacity(), s.eng.Policy())
	return s.Serve(ln, threads)
}

// Serve starts threads workers against the engine and accepts connections
// from ln until it fails. Exposed separately so tests can pass a :0
// listener.
func (s *Server) Serve(ln net.Listener, threads int) error {
	access := logger.NewWithWriter("access", "info", os.Stdout)
	reqLog := logger.New("request", s.cfg.LogLevel)
	s.eng.Run(threads, func(id int) sched.Handler {
		return request.New(id, s.cfg.DocRoot, s.cfg.ServerName, reqLog, access, s.met)
	})
	return s.acceptLoop(ln)
}

// acceptLoop accepts, stamps arrival, and admits. Transient accept errors
// are logged and retried after a short pause; a closed listener ends the
// loop.
func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warnf("accept", "%v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.eng.Admit(&queue.Conn{Sock: conn, ArrivalTime: time.Now()})
	}
}
