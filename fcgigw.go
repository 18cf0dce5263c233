// Package fcgigw wires the registry, dispatcher, request state machine,
// and supervisor into a single embeddable gateway: an http.Handler that
// proxies matching requests to FastCGI backends, running the two-phase
// authorizer-then-responder flow spec 4.E describes.
package fcgigw

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gophpeek/fcgigw/config"
	"github.com/gophpeek/fcgigw/internal/cgienv"
	"github.com/gophpeek/fcgigw/internal/dispatch"
	"github.com/gophpeek/fcgigw/internal/gwmetrics"
	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/netloop"
	"github.com/gophpeek/fcgigw/internal/registry"
	"github.com/gophpeek/fcgigw/internal/reqstate"
	"github.com/gophpeek/fcgigw/internal/supervisor"
)

// Options configures a Gateway beyond what the YAML config covers.
type Options struct {
	ServerSoftware string
	Metrics        gwmetrics.Metrics
	Log            *zap.Logger
}

// Gateway embeds the whole dispatch pipeline behind net/http: ServeHTTP
// drives one request's authorizer (if configured) and responder legs to
// completion, reporting spec 7's error kinds as the matching HTTP status.
type Gateway struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	hosts      map[string]*host.Host
	loop       netloop.EventLoop
	jobs       *jobQueue
	supervisor *supervisor.Supervisor
	metrics    gwmetrics.Metrics
	log        *zap.Logger
	opts       Options
}

// New builds a Gateway from a parsed config, provisioning every backend
// host (spawning local processes synchronously) before returning.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = gwmetrics.NewInProcess()
	}
	if opts.ServerSoftware == "" {
		opts.ServerSoftware = "fcgigw"
	}

	reg, hosts, err := config.BuildRegistry(cfg, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("fcgigw: building registry: %w", err)
	}

	ctx := context.Background()
	tickables := make([]supervisor.Tickable, 0, len(hosts))
	provisioned := make(map[*host.Host]bool, len(hosts))
	for id, h := range hosts {
		// A shared host (config.BuildRegistry's socket+bin-path dedup)
		// appears under more than one id; provision and tick it once.
		if provisioned[h] {
			continue
		}
		provisioned[h] = true
		if err := h.Provision(ctx); err != nil {
			return nil, fmt.Errorf("fcgigw: provisioning host %q: %w", id, err)
		}
		tickables = append(tickables, h)
	}

	loop, err := netloop.NewEpoll(opts.Log)
	if err != nil {
		return nil, fmt.Errorf("fcgigw: starting event loop: %w", err)
	}
	jobs, err := newJobQueue(loop)
	if err != nil {
		return nil, fmt.Errorf("fcgigw: starting job queue: %w", err)
	}

	return &Gateway{
		registry:   reg,
		dispatcher: dispatch.New(reg),
		hosts:      hosts,
		loop:       loop,
		jobs:       jobs,
		supervisor: supervisor.New(tickables),
		metrics:    opts.Metrics,
		log:        opts.Log,
		opts:       opts,
	}, nil
}

// Run drives the event loop and the supervisor's periodic reap/respawn
// tick until ctx is cancelled. It must be running for any in-flight
// request to ever make progress: every backend fd, and the job queue's
// wakeup fd, are registered against this loop, and per spec §5's
// concurrency model only this goroutine ever touches a Host, Process, or
// reqstate.Context.
func (g *Gateway) Run(ctx context.Context) error {
	go g.runSupervisor(ctx)
	return g.loop.Run(ctx)
}

// runSupervisor ticks the supervisor on its own timer, but never touches a
// Host or Process directly: each tick is submitted to the event loop's
// goroutine via runOnLoop, so it mutates the same unsynchronized state only
// where every other request handler does.
func (g *Gateway) runSupervisor(ctx context.Context) {
	ticker := time.NewTicker(g.supervisor.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.runOnLoop(func() {
				g.supervisor.TickOnce(ctx)
			})
		}
	}
}

// Shutdown signals every local backend process and waits (bounded by ctx)
// for it to be reaped.
func (g *Gateway) Shutdown(ctx context.Context) error {
	shut := make(map[*host.Host]bool, len(g.hosts))
	for id, h := range g.hosts {
		if shut[h] {
			continue
		}
		shut[h] = true
		if err := h.Shutdown(ctx); err != nil {
			return fmt.Errorf("fcgigw: shutting down host %q: %w", id, err)
		}
	}
	return nil
}

// Metrics exposes the gateway's counter/gauge sink for status-page or
// expvar publishing by the embedder.
func (g *Gateway) Metrics() gwmetrics.Metrics { return g.metrics }

// jobQueue lets any goroutine hand work to the event loop's goroutine via
// the classic self-pipe trick: Submit appends a closure and pings an
// eventfd; the loop's Read handler for that fd (always invoked from
// within Epoll.Run) drains and runs every pending closure in order. This
// is how ServeHTTP's arbitrary net/http goroutine can kick off a request
// without ever touching Host/Process/Context state itself.
type jobQueue struct {
	mu   sync.Mutex
	jobs []func()
	fd   int
}

func newJobQueue(loop netloop.EventLoop) (*jobQueue, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fcgigw: eventfd: %w", err)
	}
	q := &jobQueue{fd: fd}
	if err := loop.Register(fd, netloop.Read, q.drain); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return q, nil
}

func (q *jobQueue) Submit(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(q.fd, buf[:])
}

func (q *jobQueue) drain(netloop.Event) {
	var buf [8]byte
	for {
		if _, err := unix.Read(q.fd, buf[:]); err != nil {
			break
		}
	}
	q.mu.Lock()
	pending := q.jobs
	q.jobs = nil
	q.mu.Unlock()
	for _, job := range pending {
		job()
	}
}

// runOnLoop submits fn to the event loop's goroutine and blocks until fn
// has returned. fn must not block waiting for the request it kicks off to
// finish; reqstate.Context.Start is itself non-blocking, so fn's job is
// only to call it and set up the Context, not to wait out the response.
func (g *Gateway) runOnLoop(fn func()) {
	done := make(chan struct{})
	g.jobs.Submit(func() {
		fn()
		close(done)
	})
	<-done
}

// ServeHTTP implements http.Handler. A request whose path matches neither
// an authorizer nor a responder extension falls through with
// http.StatusNotFound, mirroring the spec's "direct mode" pass-through for
// unmatched requests. The two matches are independent, per spec 4.D's three
// parallel extension maps: a URL configured only under the authorizer
// bucket runs its authorizer pass with no responder ever selected.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respExt, hasResp := g.dispatcher.Match(registry.ModeResponder, r.URL.Path)
	authExt, hasAuth := g.dispatcher.Match(registry.ModeAuthorizer, r.URL.Path)
	if !hasResp && !hasAuth {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if hasAuth {
		if denied := g.runAuthorizer(w, r, authExt); denied {
			return
		}
	}

	if !hasResp {
		http.NotFound(w, r)
		return
	}

	var sink *httpSink
	var startErr error
	g.runOnLoop(func() {
		sel, serr := g.dispatcher.ResolveExtension(respExt)
		if serr != nil {
			startErr = serr
			return
		}
		sink = newHTTPSink(w)
		dreq := g.dispatcher.NewRequest(sel, registry.ModeResponder)
		rctx := dreq.Context()
		rctx.Loop = g.loop
		rctx.Metrics = g.metrics
		rctx.Log = g.log
		rctx.Env = g.buildEnv(r, respExt, registry.ModeResponder, sel.Host)
		rctx.InitialBody = body
		rctx.BodyComplete = true
		rctx.XSendfileAllow = sel.Host.Config.XSendfileAllow
		rctx.XSendfileDocroot = sel.Host.Config.XSendfileDocroot
		rctx.Sink = sink
		if err := dreq.Start(); err != nil {
			startErr = err
		}
	})

	if startErr != nil {
		if sink == nil {
			g.writeDispatchError(w, startErr)
			return
		}
		g.writeStateError(sink, startErr)
		return
	}
	sink.wait()
}

// buildEnv assembles one backend's CGI/FastCGI parameter set. Only the
// responder role splits PATH_INFO off a path-prefix extension (spec 4.D);
// the authorizer sees the whole matched path as its script. SCRIPT_FILENAME
// carries any PATH_INFO by default, exactly as the request URI translates,
// and Host.BreakScriptFilenameForPHP is what trims it back to the script
// alone. TranslateDocroot then overlays the host's own backend-view docroot,
// a no-op unless the host configures one.
func (g *Gateway) buildEnv(r *http.Request, ext *registry.Extension, mode registry.Mode, h *host.Host) map[string]string {
	scriptName, pathInfo := r.URL.Path, ""
	if mode == registry.ModeResponder {
		scriptName, pathInfo = registry.SplitPathInfo(ext, r.URL.Path, h.Config.FixRootPathName)
	}

	env := cgienv.Build(requestInfo(r), cgienv.ScriptInfo{
		ScriptFilename: scriptName + pathInfo,
		ScriptName:     scriptName,
		PathInfo:       pathInfo,
		DocumentRoot:   h.Config.WebRoot,
	}, cgienv.Options{
		ServerSoftware:            g.opts.ServerSoftware,
		BreakScriptFilenameForPHP: h.Config.BreakScriptFilenameForPHP,
		StripRequestURI:           h.Config.StripRequestURI,
	})
	cgienv.TranslateDocroot(env, h.Config.WebRoot, h.Config.Docroot)
	return env
}

// runAuthorizer runs the authorizer leg to completion against ext. It
// returns true once the authorizer has produced a final client-visible
// response (a deny or a failure); false means the authorizer approved the
// request (COMEBACK) and the caller should proceed to the responder leg.
// An approval ends the leg at once, so the authorizer runs a single pass
// per request and the loops cap is never reached from here.
func (g *Gateway) runAuthorizer(w http.ResponseWriter, r *http.Request, ext *registry.Extension) bool {
	loops := 0
	for {
		loops++
		if loops > reqstate.MaxAuthorizerLoops {
			g.log.Warn("fcgigw: authorizer exceeded its COMEBACK loop cap", zap.Int("loops", loops))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return true
		}

		var sink *httpSink
		var rctx *reqstate.Context
		var startErr error

		g.runOnLoop(func() {
			sel, serr := g.dispatcher.ResolveExtension(ext)
			if serr != nil {
				startErr = serr
				return
			}
			sink = newHTTPSink(w)
			dreq := g.dispatcher.NewRequest(sel, registry.ModeAuthorizer)
			rctx = dreq.Context()
			rctx.Loop = g.loop
			rctx.Metrics = g.metrics
			rctx.Log = g.log
			rctx.Env = g.buildEnv(r, ext, registry.ModeAuthorizer, sel.Host)
			rctx.BodyComplete = true
			rctx.Sink = sink
			if err := dreq.Start(); err != nil {
				startErr = err
			}
		})

		if startErr != nil {
			if sink == nil {
				g.writeDispatchError(w, startErr)
			} else {
				g.writeStateError(sink, startErr)
			}
			return true
		}

		sink.wait()
		if rctx.Comeback() {
			return false
		}
		return true
	}
}

func (g *Gateway) writeDispatchError(w http.ResponseWriter, err error) {
	g.log.Warn("fcgigw: dispatch failed", zap.Error(err))
	http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
}

func (g *Gateway) writeStateError(sink *httpSink, err error) {
	g.log.Warn("fcgigw: request failed", zap.Error(err))
	if sink.headerWritten {
		return
	}
	switch {
	case isErr(err, reqstate.ErrReconnectsExhausted), isErr(err, reqstate.ErrConnectDead), isErr(err, reqstate.ErrConnectOverloaded), isErr(err, dispatch.ErrAllBackendsDown):
		sink.WriteHeader(http.StatusServiceUnavailable, nil)
	case isErr(err, reqstate.ErrTooManyAuthorizerLoops):
		sink.WriteHeader(http.StatusInternalServerError, nil)
	case isErr(err, reqstate.ErrXSendfileForbidden):
		sink.WriteHeader(http.StatusForbidden, nil)
	default:
		sink.WriteHeader(http.StatusBadGateway, nil)
	}
	sink.Finish()
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func requestInfo(r *http.Request) cgienv.RequestInfo {
	return cgienv.RequestInfo{
		Method:        r.Method,
		URIPath:       r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Proto:         r.Proto,
		RemoteAddr:    r.RemoteAddr,
		ServerName:    r.Host,
		Header:        r.Header,
		ContentLength: r.ContentLength,
		IsTLS:         r.TLS != nil,
	}
}

// httpSink adapts reqstate.ResponseSink to an http.ResponseWriter, and
// gives ServeHTTP's goroutine a way to block until the event-loop
// goroutine has finished driving this request.
type httpSink struct {
	w             http.ResponseWriter
	headerWritten bool
	done          chan struct{}
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, done: make(chan struct{})}
}

func (s *httpSink) WriteHeader(status int, header http.Header) {
	if s.headerWritten {
		return
	}
	for k, vs := range header {
		for _, v := range vs {
			s.w.Header().Add(k, v)
		}
	}
	s.w.WriteHeader(status)
	s.headerWritten = true
}

func (s *httpSink) Write(p []byte) (int, error) {
	if !s.headerWritten {
		s.WriteHeader(http.StatusOK, nil)
	}
	return s.w.Write(p)
}

func (s *httpSink) Finish() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// wait blocks until Finish has been called, with a generous safety-net
// timeout so a backend bug can never wedge the calling goroutine forever.
func (s *httpSink) wait() {
	select {
	case <-s.done:
	case <-time.After(2 * time.Minute):
	}
}
