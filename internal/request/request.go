// Package request implements the HTTP/1.0 responder: request-line parsing,
// static file serving, CGI execution, and the error pages. One Responder is
// owned by exactly one worker, so its Stats counters need no locking.
//
// Every response, success or error, carries six Stat-* headers embedding
// the connection's timing and the owning worker's counters verbatim:
//
//	Stat-Req-Arrival:: <sec>.<usec>
//	Stat-Req-Dispatch:: <sec>.<usec>   (dispatch minus arrival, an interval)
//	Stat-Thread-Id:: <worker id>
//	Stat-Thread-Count:: <requests handled>
//	Stat-Thread-Static:: <static successes>
//	Stat-Thread-Dynamic:: <dynamic successes>
//
// Counters are incremented before headers are composed so the values on the
// wire include the request being answered.
package request

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"admission-httpd/internal/logger"
	"admission-httpd/internal/metrics"
	"admission-httpd/internal/queue"
)

// Stats holds one worker's request counters. Error responses bump only
// Requests; Static and Dynamic partition the successes.
type Stats struct {
	ThreadID int
	Requests int
	Static   int
	Dynamic  int
}

// Responder serves HTTP/1.0 requests for a single worker.
type Responder struct {
	stats      Stats
	docRoot    string
	serverName string

	log    *logger.Logger // operational log, stderr
	access *logger.Logger // request lines and HTTP errors, stdout
	met    *metrics.Metrics
}

// New returns a Responder for worker id. docRoot is the static content root
// (also the CGI program root). Nil loggers and metrics get private defaults.
func New(id int, docRoot, serverName string, log, access *logger.Logger, met *metrics.Metrics) *Responder {
	if docRoot == "" {
		docRoot = "./public"
	}
	if serverName == "" {
		serverName = "admission-httpd"
	}
	if log == nil {
		log = logger.New("request", "error")
	}
	if access == nil {
		access = logger.NewWithWriter("access", "info", os.Stdout)
	}
	if met == nil {
		met = metrics.New()
	}
	return &Responder{
		stats:      Stats{ThreadID: id},
		docRoot:    docRoot,
		serverName: serverName,
		log:        log,
		access:     access,
		met:        met,
	}
}

// Stats returns a copy of the worker's counters.
func (r *Responder) Stats() Stats { return r.stats }

// Handle reads one HTTP/1.0 request from the connection and writes the
// response. Called by the owning worker with the mutex released; the worker
// closes the socket afterwards regardless of what happens here.
func (r *Responder) Handle(c *queue.Conn) {
	br := bufio.NewReader(c.Sock)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		r.log.Debugf("read_request", "request line: %v", err)
		return
	}

	fields := strings.Fields(line)
	if len(fields) < 3 {
		r.respondError(c, strings.TrimSpace(line), "400", "Bad Request",
			"admission-httpd could not parse this request line")
		return
	}
	method, uri, version := fields[0], fields[1], fields[2]
	r.access.Infof("request", "%s %s %s", method, uri, version)

	if !strings.EqualFold(method, "GET") {
		r.respondError(c, method, "501", "Not Implemented",
			"admission-httpd does not implement this method")
		return
	}
	discardHeaders(br)

	filename, cgiArgs, static := r.parseURI(uri)
	fi, err := os.Stat(filename)
	if err != nil {
		r.respondError(c, filename, "404", "Not found",
			"admission-httpd could not find this file")
		return
	}

	if static {
		if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o400 == 0 {
			r.respondError(c, filename, "403", "Forbidden",
				"admission-httpd could not read this file")
			return
		}
		r.serveStatic(c, filename, fi.Size())
		return
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o100 == 0 {
		r.respondError(c, filename, "403", "Forbidden",
			"admission-httpd could not run this CGI program")
		return
	}
	r.serveDynamic(c, filename, cgiArgs)
}

// parseURI classifies the request URI and resolves it against the doc root.
// Returns the filesystem path, the CGI query string (dynamic only), and
// whether the content is static.
//
// Classification rules:
//   - a URI containing ".." is rewritten to the doc-root home page and
//     served as static;
//   - a URI containing the substring "cgi" is dynamic, with the query
//     string split off at '?';
//   - anything else is static, with a trailing '/' resolving to home.html.
func (r *Responder) parseURI(uri string) (filename, cgiArgs string, static bool) {
	if strings.Contains(uri, "..") {
		return r.docRoot + "/home.html", "", true
	}
	if !strings.Contains(uri, "cgi") {
		filename = r.docRoot + uri
		if strings.HasSuffix(uri, "/") {
			filename += "home.html"
		}
		return filename, "", true
	}
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		cgiArgs = uri[i+1:]
		uri = uri[:i]
	}
	return r.docRoot + uri, cgiArgs, false
}

// contentType infers the Content-Type from the filename. Matching is by
// substring, not extension suffix.
func contentType(filename string) string {
	switch {
	case strings.Contains(filename, ".html"):
		return "text/html"
	case strings.Contains(filename, ".gif"):
		return "image/gif"
	case strings.Contains(filename, ".jpg"):
		return "image/jpeg"
	default:
		return "text/plain"
	}
}

// serveStatic writes the headers and file body for a static success.
func (r *Responder) serveStatic(c *queue.Conn, filename string, size int64) {
	r.stats.Requests++
	r.stats.Static++
	r.met.StaticResponses.Add(1)

	f, err := os.Open(filename) //nolint:gosec // resolved under the doc root by parseURI
	if err != nil {
		// Stat succeeded moments ago; treat a racing removal as an I/O
		// failure and let the worker close the socket.
		r.log.Errorf("serve_static", "open %s: %v", filename, err)
		return
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.0 200 OK\r\n")
	fmt.Fprintf(&b, "Server: %s\r\n", r.serverName)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", size)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType(filename))
	r.writeStatHeaders(&b, c)

	if _, err := io.WriteString(c.Sock, b.String()); err != nil {
		r.log.Debugf("serve_static", "write headers: %v", err)
		return
	}
	if _, err := io.Copy(c.Sock, f); err != nil {
		r.log.Debugf("serve_static", "write body: %v", err)
	}
}

// serveDynamic writes the full header block, including the six Stat-*
// headers and the terminating blank line, then hands the socket to the CGI
// child, whose stdout follows as the body. The parent waits for the child to
// exit before returning.
func (r *Responder) serveDynamic(c *queue.Conn, filename, cgiArgs string) {
	r.stats.Requests++
	r.stats.Dynamic++
	r.met.DynamicResponses.Add(1)

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.0 200 OK\r\n")
	fmt.Fprintf(&b, "Server: %s\r\n", r.serverName)
	r.writeStatHeaders(&b, c)
	if _, err := io.WriteString(c.Sock, b.String()); err != nil {
		r.log.Debugf("serve_dynamic", "write headers: %v", err)
		return
	}

	cmd := exec.Command(filename) //nolint:gosec // resolved under the doc root and owner-executable
	cmd.Env = append(os.Environ(), "QUERY_STRING="+cgiArgs)
	cmd.Stdout = c.Sock
	if err := cmd.Run(); err != nil {
		r.log.Errorf("serve_dynamic", "run %s: %v", filename, err)
	}
}

// respondError writes an error response with the full Stat header block and
// a small HTML body. Errors bump only the request counter.
func (r *Responder) respondError(c *queue.Conn, cause, errnum, shortMsg, longMsg string) {
	r.stats.Requests++
	r.met.ErrorResponses.Add(1)
	r.access.Infof("response_error", "%s %s: %s", errnum, shortMsg, cause)

	var body strings.Builder
	fmt.Fprintf(&body, "<html><title>%s Error</title>", r.serverName)
	fmt.Fprintf(&body, "<body bgcolor=\"fffff\">\r\n")
	fmt.Fprintf(&body, "%s: %s\r\n", errnum, shortMsg)
	fmt.Fprintf(&body, "<p>%s: %s\r\n", longMsg, cause)
	fmt.Fprintf(&body, "<hr>%s\r\n", r.serverName)

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.0 %s %s\r\n", errnum, shortMsg)
	fmt.Fprintf(&b, "Content-Type: text/html\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", body.Len())
	r.writeStatHeaders(&b, c)

	if _, err := io.WriteString(c.Sock, b.String()+body.String()); err != nil {
		r.log.Debugf("respond_error", "write: %v", err)
	}
}

// writeStatHeaders appends the six Stat-* headers and the blank line that
// terminates the header block. The dispatch stat is the waiting interval,
// not an absolute time.
func (r *Responder) writeStatHeaders(b *strings.Builder, c *queue.Conn) {
	sec, usec := splitUnixMicros(c.ArrivalTime)
	fmt.Fprintf(b, "Stat-Req-Arrival:: %d.%06d\r\n", sec, usec)

	dsec, dusec := splitDurationMicros(c.DispatchTime.Sub(c.ArrivalTime))
	fmt.Fprintf(b, "Stat-Req-Dispatch:: %d.%06d\r\n", dsec, dusec)

	fmt.Fprintf(b, "Stat-Thread-Id:: %d\r\n", r.stats.ThreadID)
	fmt.Fprintf(b, "Stat-Thread-Count:: %d\r\n", r.stats.Requests)
	fmt.Fprintf(b, "Stat-Thread-Static:: %d\r\n", r.stats.Static)
	fmt.Fprintf(b, "Stat-Thread-Dynamic:: %d\r\n\r\n", r.stats.Dynamic)
}

// splitUnixMicros breaks a wall-clock instant into whole seconds and
// microseconds within the second.
func splitUnixMicros(t time.Time) (sec int64, usec int64) {
	return t.Unix(), int64(t.Nanosecond()) / 1000
}

// splitDurationMicros breaks an interval into whole seconds and leftover
// microseconds. Negative intervals clamp to zero.
func splitDurationMicros(d time.Duration) (sec int64, usec int64) {
	if d < 0 {
		return 0, 0
	}
	return int64(d / time.Second), int64(d%time.Second) / 1000
}

// discardHeaders reads and drops request headers up to the blank line.
func discardHeaders(br *bufio.Reader) {
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			return
		}
	}
}
