// Package reqstate implements the per-request FastCGI state machine: spec
// 4.E's INIT -> CONNECT_DELAYED -> PREPARE_WRITE -> WRITE -> READ flow,
// driven by a single re-entrant (*Context).Advance call per readiness
// event so the whole machine runs to completion without blocking, per
// spec §5.
package reqstate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gophpeek/fcgigw/internal/gwmetrics"
	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/netloop"
	"github.com/gophpeek/fcgigw/internal/proc"
	"github.com/gophpeek/fcgigw/internal/record"
	"github.com/gophpeek/fcgigw/internal/registry"
)

// State is one of the five states spec 4.E names.
type State int

const (
	StateInit State = iota
	StateConnectDelayed
	StatePrepareWrite
	StateWrite
	StateRead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnectDelayed:
		return "CONNECT_DELAYED"
	case StatePrepareWrite:
		return "PREPARE_WRITE"
	case StateWrite:
		return "WRITE"
	case StateRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

const reconnectCap = 5

// maxAuthorizerLoops is the authorizer COMEBACK re-entry cap of spec 4.E;
// a 7th pass (6 COMEBACKs past the first) is a 500.
const maxAuthorizerLoops = 6

// MaxAuthorizerLoops exports the same cap for callers (the gateway's
// runAuthorizer) that must enforce it across a sequence of Contexts rather
// than within a single one.
const MaxAuthorizerLoops = maxAuthorizerLoops

// ResponseSink is the outbound half of the request: whatever embeds this
// gateway implements it to receive the parsed backend response, standing
// in for the HTTP server's response-writer the spec treats as ambient.
type ResponseSink interface {
	WriteHeader(status int, header http.Header)
	Write(p []byte) (int, error)
	Finish()
}

// Context is one request's worth of state-machine state: the spec 3
// "Request context", plus the collaborators (Dialer, EventLoop, Metrics,
// Logger) this module ships concrete defaults for.
type Context struct {
	Host *host.Host
	Proc *proc.Process
	Ext  *registry.Extension
	Mode registry.Mode

	// Env is the CGI/FastCGI parameter set, built by cgienv.Build (or an
	// equivalent external producer) before Start is called.
	Env map[string]string

	// InitialBody is whatever upstream body bytes were already available
	// at PREPARE_WRITE time; BodyComplete marks InitialBody as the whole
	// body, letting Start finalize STDIN immediately. A chunked upstream
	// body instead leaves BodyComplete false and streams the rest via
	// FeedBody once the connection reaches WRITE.
	InitialBody  []byte
	BodyComplete bool

	// RequestMoreBody is spec 4.E's backpressure hook: called when wb has
	// drained below the host's WriteLowWater and the body is not yet
	// complete, so the embedder can pull more bytes from the upstream
	// connection and hand them to FeedBody.
	RequestMoreBody func()

	XSendfileAllow   bool
	XSendfileDocroot []string

	Sink ResponseSink

	Dialer  Dialer
	Loop    netloop.EventLoop
	Metrics gwmetrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time

	state          State
	fd             int
	procGeneration uint64
	cachedPID      int

	rb bytes.Buffer
	wb bytes.Buffer

	wbBytesOut    int64
	wbReqLen      int64 // -1 until the body is finalized
	bodyFinalized bool

	gotProc    bool
	reconnects int

	fileStarted     bool
	authStatus      int
	loopsPerRequest int
	xsendfilePath   string

	hdrAcc    headerAccumulator
	stderrBuf *stderrLineBuffer

	done     bool
	comeback bool
	finalErr error
}

// NewContext builds a Context for one (Host, Process, Extension) triple
// already selected by a Dispatcher, per spec 4.E.
func NewContext(h *host.Host, p *proc.Process, ext *registry.Extension, mode registry.Mode) *Context {
	return &Context{
		Host:    h,
		Proc:    p,
		Ext:     ext,
		Mode:    mode,
		Dialer:  RawDialer{},
		Metrics: gwmetrics.Noop{},
		Log:     zap.NewNop(),
		Now:     time.Now,
		fd:      -1,
		wbReqLen: -1,
	}
}

func (c *Context) State() State           { return c.state }
func (c *Context) Done() bool             { return c.done }
func (c *Context) Comeback() bool         { return c.comeback }
func (c *Context) Err() error             { return c.finalErr }
func (c *Context) LoopsPerRequest() int   { return c.loopsPerRequest }
func (c *Context) Reconnects() int        { return c.reconnects }

// Start runs the INIT state: opens a connection to c.Proc's endpoint and
// advances as far as that single call can go without blocking.
func (c *Context) Start() error {
	if c.state != StateInit || c.fd != -1 {
		return errors.New("reqstate: Start called more than once")
	}
	c.procGeneration = c.Proc.Generation
	return c.connect()
}

// Reconnect implements spec 4.E's reconnect policy: up to 5 attempts
// against a freshly selected host/proc, rewinding to INIT each time. It
// never replays any bytes, which is sound because a reconnect only ever
// happens before PREPARE_WRITE has queued anything.
func (c *Context) Reconnect(h *host.Host, p *proc.Process) error {
	if c.reconnects >= reconnectCap {
		return ErrReconnectsExhausted
	}
	c.reconnects++
	c.Host = h
	c.Proc = p
	c.procGeneration = p.Generation
	c.state = StateInit
	c.fd = -1
	return c.connect()
}

func (c *Context) connect() error {
	if c.Proc.IsLocal {
		c.cachedPID = c.Proc.PID
	} else {
		c.cachedPID = 0
	}

	fd, outcome, err := c.Dialer.Dial(c.Proc.Endpoint)
	switch outcome {
	case ConnectOK:
		c.fd = fd
		c.Metrics.Counter(gwmetrics.Key(c.Host.Config.ID, c.Proc.ID, gwmetrics.TagConnected), 1)
		if err := c.prepareWrite(); err != nil {
			return err
		}
		return c.attemptWrite()

	case ConnectDelayed:
		c.fd = fd
		c.state = StateConnectDelayed
		if c.Loop != nil {
			return c.Loop.Register(fd, netloop.Write, c.onEvent)
		}
		return nil

	case ConnectOverloaded:
		c.Proc.MarkOverloaded(c.Now(), c.Host.Config.DisableTime)
		c.Metrics.Counter(gwmetrics.Key(c.Host.Config.ID, c.Proc.ID, gwmetrics.TagOverloaded), 1)
		return fmt.Errorf("%w: %v", ErrConnectOverloaded, err)

	default: // ConnectDead
		c.Proc.Disable(c.Now(), c.Host.Config.DisableTime, c.cachedPID)
		c.Metrics.Counter(gwmetrics.Key(c.Host.Config.ID, c.Proc.ID, gwmetrics.TagDied), 1)
		return fmt.Errorf("%w: %v", ErrConnectDead, err)
	}
}

// Advance is the single re-entrant entry point readiness events drive the
// machine through, per spec §5's non-blocking invocation contract.
func (c *Context) Advance(ev netloop.Event) error {
	switch c.state {
	case StateConnectDelayed:
		return c.handleConnectDelayed(ev)
	case StateWrite:
		return c.handleWritable(ev)
	case StateRead:
		return c.handleReadable(ev)
	default:
		return fmt.Errorf("reqstate: Advance called while in state %s", c.state)
	}
}

func (c *Context) onEvent(ev netloop.Event) {
	if err := c.Advance(ev); err != nil {
		c.finalErr = err
	}
}

func (c *Context) handleConnectDelayed(ev netloop.Event) error {
	if ev.Err != nil {
		return c.failDead(ev.Err)
	}
	if err := probeSOError(c.fd); err != nil {
		return c.failDead(err)
	}
	c.Metrics.Counter(gwmetrics.Key(c.Host.Config.ID, c.Proc.ID, gwmetrics.TagConnected), 1)
	if c.Loop != nil {
		_ = c.Loop.Deregister(c.fd)
	}
	if err := c.prepareWrite(); err != nil {
		return err
	}
	return c.attemptWrite()
}

func (c *Context) failDead(err error) error {
	if c.Loop != nil && c.fd != -1 {
		_ = c.Loop.Deregister(c.fd)
	}
	c.closeFD()
	c.Proc.Disable(c.Now(), c.Host.Config.DisableTime, c.cachedPID)
	c.Metrics.Counter(gwmetrics.Key(c.Host.Config.ID, c.Proc.ID, gwmetrics.TagDied), 1)
	return fmt.Errorf("%w: %v", ErrConnectDead, err)
}

// prepareWrite implements spec 4.E's PREPARE_WRITE: increment load, build
// the BEGIN_REQUEST/PARAMS frames, queue whatever body is already
// available, and move to WRITE.
func (c *Context) prepareWrite() error {
	c.state = StatePrepareWrite
	c.Proc.IncLoad()
	c.gotProc = true
	c.Metrics.Gauge(gwmetrics.Key(c.Host.Config.ID, c.Proc.ID, gwmetrics.TagLoad), int64(c.Proc.Load))
	c.Metrics.Gauge(gwmetrics.Key(c.Host.Config.ID, 0, gwmetrics.TagLoad), int64(c.Host.Load()))

	role := record.RoleResponder
	if c.Mode == registry.ModeAuthorizer {
		role = record.RoleAuthorizer
	}
	record.EncodeBeginRequest(&c.wb, role)
	if err := record.EncodeParams(&c.wb, c.Env); err != nil {
		if errors.Is(err, record.ErrParamsTooLarge) {
			return ErrParamsTooLarge
		}
		return err
	}

	c.queueBody(c.InitialBody)
	c.InitialBody = nil
	if c.BodyComplete {
		c.finalizeBody()
	}

	c.state = StateWrite
	return nil
}

func (c *Context) queueBody(data []byte) {
	for len(data) > 0 {
		n := record.EncodeStdinChunk(&c.wb, data)
		data = data[n:]
	}
}

func (c *Context) finalizeBody() {
	record.EncodeEmptyStdin(&c.wb)
	c.bodyFinalized = true
	c.wbReqLen = c.wbBytesOut + int64(c.wb.Len())
}

// FeedBody streams additional upstream request-body bytes into the
// outbound queue once the connection has reached WRITE, per spec 4.E's
// chunked-body support (scenario 6): wb_reqlen stays negative until final
// is true, at which point it is fixed to the now-known total.
func (c *Context) FeedBody(p []byte, final bool) error {
	if c.state != StateWrite {
		return fmt.Errorf("reqstate: FeedBody called in state %s", c.state)
	}
	if c.bodyFinalized {
		return errors.New("reqstate: FeedBody called after body already finalized")
	}
	c.queueBody(p)
	if final {
		c.finalizeBody()
	}
	return c.attemptWrite()
}

// attemptWrite drains wb to the socket without blocking, per spec 4.E's
// WRITE state, registering for writable readiness on EAGAIN and advancing
// to READ once every byte up to wb_reqlen has gone out.
func (c *Context) attemptWrite() error {
	for c.wb.Len() > 0 {
		n, err := unix.Write(c.fd, c.wb.Bytes())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if c.Loop != nil {
					return c.Loop.Register(c.fd, netloop.Write, c.onEvent)
				}
				return nil
			}
			return c.onWriteError(err)
		}
		c.wb.Next(n)
		c.wbBytesOut += int64(n)
	}

	if !c.bodyFinalized {
		if c.RequestMoreBody != nil && c.wb.Len() < c.Host.Config.WriteLowWater {
			c.RequestMoreBody()
		}
		return nil
	}

	if c.wbBytesOut < c.wbReqLen {
		return nil
	}

	if c.Loop != nil {
		_ = c.Loop.Deregister(c.fd)
		if err := c.Loop.Register(c.fd, netloop.Read, c.onEvent); err != nil {
			return err
		}
	}
	c.state = StateRead
	return nil
}

func (c *Context) handleWritable(ev netloop.Event) error {
	if ev.Err != nil {
		return c.onWriteError(ev.Err)
	}
	return c.attemptWrite()
}

// onWriteError implements spec 7's write-failure row: no bytes sent to the
// client yet means the caller may reconnect (though per spec, reconnects
// only ever happen pre-PREPARE_WRITE, so in practice a WRITE-phase failure
// always surfaces as a terminal error here); bytes already sent means the
// response is truncated with no retry.
func (c *Context) onWriteError(err error) error {
	c.cleanupConnection()
	if c.fileStarted {
		c.finalErr = fmt.Errorf("%w: %v", ErrResponseTruncated, err)
	} else {
		c.finalErr = fmt.Errorf("%w: %v", ErrBackendReset, err)
	}
	c.done = true
	return c.finalErr
}

func (c *Context) handleReadable(ev netloop.Event) error {
	if ev.Err != nil {
		return c.onReadError(ev.Err)
	}

	buf := make([]byte, 65536)
	for {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return c.onReadError(err)
		}
		if n == 0 {
			return c.onReadError(io.EOF)
		}
		c.rb.Write(buf[:n])
		if err := c.drainFrames(); err != nil {
			return err
		}
		if c.done {
			return nil
		}
	}
}

func (c *Context) onReadError(err error) error {
	c.cleanupConnection()
	if c.fileStarted {
		c.finalErr = fmt.Errorf("%w: %v", ErrResponseTruncated, err)
	} else {
		c.finalErr = fmt.Errorf("%w: %v", ErrBackendReset, err)
	}
	c.done = true
	return c.finalErr
}

func (c *Context) drainFrames() error {
	for {
		frame, ok, err := record.Decode(&c.rb)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if frame.RequestID != record.RequestID {
			continue
		}
		switch frame.Type {
		case record.TypeStdout:
			if err := c.handleStdout(frame.Content); err != nil {
				return err
			}
		case record.TypeStderr:
			c.handleStderr(frame.Content)
		case record.TypeEndRequest:
			if err := c.handleEndRequest(frame.Content); err != nil {
				return err
			}
		default:
			c.Log.Warn("reqstate: unknown record type", zap.Uint8("type", uint8(frame.Type)))
		}
		if c.done {
			return nil
		}
	}
}

func (c *Context) handleStdout(content []byte) error {
	if !c.fileStarted {
		c.hdrAcc.Write(content)
		parsed, ok, err := c.hdrAcc.TryParse()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return c.onHeadersParsed(parsed)
	}

	if c.Mode == registry.ModeAuthorizer && isAuthorizerPass(c.authStatus) {
		return nil // authorizer content is silently dropped on pass, per spec 4.A
	}
	if c.xsendfilePath != "" {
		return nil
	}
	_, err := c.Sink.Write(content)
	return err
}

func isAuthorizerPass(status int) bool { return status == 0 || status == http.StatusOK }

func (c *Context) onHeadersParsed(parsed parsedHeader) error {
	c.fileStarted = true
	c.authStatus = parsed.StatusCode

	if c.Mode == registry.ModeAuthorizer {
		if isAuthorizerPass(parsed.StatusCode) {
			return nil
		}
		c.Sink.WriteHeader(parsed.StatusCode, parsed.Header)
		if len(parsed.Body) > 0 {
			_, err := c.Sink.Write(parsed.Body)
			return err
		}
		return nil
	}

	path, ok, err := resolveXSendfile(parsed.Header, c.XSendfileAllow, c.XSendfileDocroot)
	if err != nil {
		c.Sink.WriteHeader(http.StatusForbidden, http.Header{})
		c.finalErr = err
		return nil
	}
	if ok {
		c.xsendfilePath = path
		return nil
	}

	c.Sink.WriteHeader(parsed.StatusCode, parsed.Header)
	if len(parsed.Body) > 0 {
		_, err := c.Sink.Write(parsed.Body)
		return err
	}
	return nil
}

func (c *Context) handleStderr(content []byte) {
	if c.stderrBuf == nil {
		c.stderrBuf = newStderrLineBuffer(c.Log, zap.String("host", c.Host.Config.ID), zap.Int("proc", c.Proc.ID))
	}
	c.stderrBuf.feed(content)
}

func (c *Context) handleEndRequest(content []byte) error {
	if _, err := record.DecodeEndRequest(content); err != nil {
		c.Log.Warn("reqstate: malformed END_REQUEST", zap.Error(err))
	}
	if c.stderrBuf != nil {
		c.stderrBuf.flush()
	}
	c.cleanupConnection()
	c.Metrics.Counter(gwmetrics.KeyRequests, 1)

	if c.Mode == registry.ModeAuthorizer && isAuthorizerPass(c.authStatus) {
		c.loopsPerRequest++
		if c.loopsPerRequest > maxAuthorizerLoops {
			c.Sink.WriteHeader(http.StatusInternalServerError, http.Header{})
			c.Sink.Finish()
			c.finalErr = ErrTooManyAuthorizerLoops
			c.done = true
			return c.finalErr
		}
		c.comeback = true
		c.done = true
		return nil
	}

	if c.xsendfilePath != "" {
		if err := c.streamXSendfile(); err != nil {
			c.finalErr = err
		}
	}

	c.Sink.Finish()
	c.done = true
	return nil
}

func (c *Context) streamXSendfile() error {
	f, fi, err := openXSendfile(c.xsendfilePath)
	if err != nil {
		return err
	}
	defer f.Close()
	c.Sink.WriteHeader(http.StatusOK, http.Header{"Content-Length": {fmt.Sprintf("%d", fi.Size())}})
	_, err = io.Copy(sinkWriter{c.Sink}, f)
	return err
}

type sinkWriter struct{ sink ResponseSink }

func (w sinkWriter) Write(p []byte) (int, error) { return w.sink.Write(p) }

// cleanupConnection implements fcgi_backend_close from spec §5's
// file-descriptor discipline: deregister, close, and release the proc's
// load exactly once.
func (c *Context) cleanupConnection() {
	if c.Loop != nil && c.fd != -1 {
		_ = c.Loop.Deregister(c.fd)
	}
	c.closeFD()
	if c.gotProc {
		c.Proc.DecLoad()
		c.gotProc = false
	}
}

func (c *Context) closeFD() {
	if c.fd != -1 {
		unix.Close(c.fd)
		c.fd = -1
	}
}
