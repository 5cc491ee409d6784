// Command server is a concurrent HTTP/1.0 file and CGI server built around
// a bounded admission queue.
//
// A single acceptor hands connections to a fixed pool of workers through a
// capacity-bounded FIFO. When offered load exceeds capacity, the schedalg
// argument picks the overload behavior:
//
//	block   - block the acceptor until a slot frees
//	dt      - drop-tail: drop the new arrival
//	dh      - drop-head: evict the oldest waiter, admit the arrival
//	random  - purge the oldest half of the waiters, admit the arrival
//
// Static content is served from ./public (DOC_ROOT overrides); URIs
// containing "cgi" are executed as CGI programs with QUERY_STRING set.
//
// Usage:
//
//	./server <port> <threads> <queue_size> <schedalg>
//
//	# with the status API and persistent lifetime metrics
//	STATUS_PORT=8081 METRICS_DB_FILE=server-metrics.db ./server 8080 4 16 dh
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"admission-httpd/internal/config"
	"admission-httpd/internal/logger"
	"admission-httpd/internal/management"
	"admission-httpd/internal/metrics"
	"admission-httpd/internal/sched"
	"admission-httpd/internal/server"
)

// serverArgs holds the four positional CLI arguments.
type serverArgs struct {
	port      int
	threads   int
	queueSize int
	policy    sched.Policy
}

// parseArgs validates the positional arguments. An unknown schedalg is not
// an error: it selects sched.PolicyInvalid, which drops every
// overload-branch arrival at runtime.
func parseArgs(argv []string) (serverArgs, error) {
	if len(argv) < 4 {
		return serverArgs{}, fmt.Errorf("expected 4 arguments, got %d", len(argv))
	}
	port, err := strconv.Atoi(argv[0])
	if err != nil {
		return serverArgs{}, fmt.Errorf("port %q: %w", argv[0], err)
	}
	threads, err := strconv.Atoi(argv[1])
	if err != nil {
		return serverArgs{}, fmt.Errorf("threads %q: %w", argv[1], err)
	}
	queueSize, err := strconv.Atoi(argv[2])
	if err != nil {
		return serverArgs{}, fmt.Errorf("queue_size %q: %w", argv[2], err)
	}
	if threads < 1 || queueSize < 1 {
		return serverArgs{}, fmt.Errorf("threads and queue_size must be >= 1")
	}
	return serverArgs{
		port:      port,
		threads:   threads,
		queueSize: queueSize,
		policy:    sched.ParsePolicy(argv[3]),
	}, nil
}

func usage(w *os.File, prog string) {
	fmt.Fprintf(w, "Usage: %s <port> <threads> <queue_size> <schedalg>\n", prog)
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		usage(os.Stderr, os.Args[0])
		os.Exit(1)
	}

	cfg := config.Load()
	log := logger.New("server", cfg.LogLevel)

	met := newMetrics(cfg, log)
	go flushLoop(met, cfg, log)

	eng := sched.New(args.queueSize, args.policy, logger.New("sched", cfg.LogLevel), met)

	if cfg.StatusPort > 0 {
		mgmt := management.New(cfg, eng, met, logger.New("mgmt", cfg.LogLevel), args.threads)
		go func() {
			if err := mgmt.ListenAndServe(); err != nil {
				log.Fatalf("status_listen", "%v", err)
			}
		}()
	}

	printBanner(cfg, args)

	srv := server.New(cfg, eng, log, met)
	if err := srv.ListenAndServe(args.port, args.threads); err != nil {
		log.Fatalf("serve", "%v", err)
	}
}

// newMetrics builds the metrics collector, backed by bbolt when a database
// file is configured.
func newMetrics(cfg *config.Config, log *logger.Logger) *metrics.Metrics {
	if cfg.MetricsDBFile == "" {
		return metrics.New()
	}
	store, err := metrics.NewBboltStore(cfg.MetricsDBFile)
	if err != nil {
		log.Fatalf("metrics_db", "%v", err)
	}
	met, err := metrics.NewPersistent(store)
	if err != nil {
		log.Fatalf("metrics_db", "%v", err)
	}
	log.Infof("metrics_db", "lifetime totals persisted to %s", cfg.MetricsDBFile)
	return met
}

// flushLoop persists lifetime totals on an interval. The server has no
// graceful shutdown, so periodic flushing is the only durability point.
func flushLoop(met *metrics.Metrics, cfg *config.Config, log *logger.Logger) {
	interval := time.Duration(cfg.MetricsFlushSecs) * time.Second
	for range time.Tick(interval) {
		if err := met.Flush(); err != nil {
			log.Warnf("metrics_flush", "%v", err)
		}
	}
}

func printBanner(cfg *config.Config, args serverArgs) {
	status := "disabled"
	if cfg.StatusPort > 0 {
		status = fmt.Sprintf("http://%s:%d/status", cfg.BindAddress, cfg.StatusPort)
	}
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          admission-httpd  (HTTP/1.0)                 ║
╚══════════════════════════════════════════════════════╝
  Port            : %d
  Workers         : %d
  Queue capacity  : %d
  Overload policy : %s
  Document root   : %s
  Status API      : %s
`, args.port, args.threads, args.queueSize, args.policy, cfg.DocRoot, status)
}
