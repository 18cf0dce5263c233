// Package proc models a single FastCGI backend process: its identity,
// connection endpoint, load counters, and lifecycle state machine.
package proc

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// State is a Process lifecycle state.
type State int

const (
	Running State = iota
	Overloaded
	DiedWaitForPID
	Died
	Killed
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Overloaded:
		return "OVERLOADED"
	case DiedWaitForPID:
		return "DIED_WAIT_FOR_PID"
	case Died:
		return "DIED"
	case Killed:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint identifies where a Process listens.
type Endpoint struct {
	// UnixPath is set for UNIX-domain sockets; Host/Port for TCP. Exactly
	// one of UnixPath or Host+Port is populated.
	UnixPath string
	Host     string
	Port     uint16
}

// ConnectionName renders the endpoint the way status pages display it.
func (e Endpoint) ConnectionName() string {
	if e.UnixPath != "" {
		return fmt.Sprintf("unix:%s", e.UnixPath)
	}
	return fmt.Sprintf("tcp:%s:%d", e.Host, e.Port)
}

// Network and Address are the net.Dial-compatible pair for this endpoint.
func (e Endpoint) Network() string {
	if e.UnixPath != "" {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) Address() string {
	if e.UnixPath != "" {
		return e.UnixPath
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Sockaddr resolves the endpoint into a raw socket domain and address,
// shared by the spawner (bind) and the request state machine (connect) so
// the two never drift in how they interpret a host's endpoint.
func (e Endpoint) Sockaddr() (domain int, sa unix.Sockaddr, err error) {
	if e.UnixPath != "" {
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: e.UnixPath}, nil
	}
	ip := net.ParseIP(e.Host)
	if ip == nil {
		ips, err := net.LookupIP(e.Host)
		if err != nil || len(ips) == 0 {
			return 0, nil, fmt.Errorf("proc: cannot resolve host %q: %w", e.Host, err)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		var addr [4]byte
		copy(addr[:], ip4)
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(e.Port), Addr: addr}, nil
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return unix.AF_INET6, &unix.SockaddrInet6{Port: int(e.Port), Addr: addr}, nil
}

// Process is one backend process (or remote endpoint) within a Host's pool.
//
// Process is not safe for concurrent use; it is owned by the event-loop
// thread, per the gateway's single-threaded cooperative concurrency model.
type Process struct {
	ID       int
	Endpoint Endpoint
	IsLocal  bool

	// Generation increments on every spawn/respawn so that a request
	// bound to (ProcIndex, Generation) can detect the proc it selected
	// has since been replaced by a different child.
	Generation uint64

	PID   int
	state State

	Load     int
	Requests int64

	DisabledUntil time.Time

	log *zap.Logger
}

// New creates a Process in its birth state. Per the preserved open
// question in the design notes, a Process starts DIED and only becomes
// RUNNING after a successful spawn (or, for remote endpoints, once the
// host's periodic Tick re-enables it); this means active-process counts
// briefly underreport immediately after configuration.
func New(id int, ep Endpoint, isLocal bool, log *zap.Logger) *Process {
	if log == nil {
		log = zap.NewNop()
	}
	return &Process{
		ID:       id,
		Endpoint: ep,
		IsLocal:  isLocal,
		state:    Died,
		log:      log,
	}
}

func (p *Process) State() State { return p.state }

// MarkRunning transitions the proc into RUNNING, bumping its generation
// when it has just been (re)spawned locally.
func (p *Process) MarkRunning(pid int) {
	p.state = Running
	if p.IsLocal {
		p.PID = pid
		p.Generation++
	}
}

// MarkOverloaded records a transient connect EAGAIN (listen backlog full).
func (p *Process) MarkOverloaded(now time.Time, disableTime time.Duration) {
	p.state = Overloaded
	p.DisabledUntil = now.Add(disableTime)
}

// Disable implements the spec 4.B disable policy: a proc is disabled when
// the host has a non-zero disable window, or when it is local and the
// caller's cached pid matches this proc's pid (this request's backend
// clearly died). Local procs move to DIED_WAIT_FOR_PID pending a reap;
// remote procs move straight to DIED.
func (p *Process) Disable(now time.Time, disableTime time.Duration, requestPID int) {
	killedThisProc := p.IsLocal && requestPID != 0 && requestPID == p.PID
	if disableTime <= 0 && !killedThisProc {
		return
	}
	p.DisabledUntil = now.Add(disableTime)
	if p.IsLocal {
		p.state = DiedWaitForPID
	} else {
		p.state = Died
	}
}

// Kill marks the proc as torn down explicitly; only an explicit shutdown
// may reach this state (spec 4.B: "* -> KILLED explicit teardown only").
func (p *Process) Kill() {
	p.state = Killed
}

// Reap performs a single non-blocking waitpid for a locally spawned proc,
// tolerating EINTR. It is a no-op for remote procs or procs with no pid.
// Returns true if the proc transitioned to DIED as a result of this call.
func (p *Process) Reap() bool {
	if !p.IsLocal || p.PID <= 0 {
		return false
	}
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(p.PID, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD and friends: treat as an anomaly, the child is gone.
			p.log.Warn("waitpid failed, assuming process dead",
				zap.Int("pid", p.PID), zap.Error(err))
			p.PID = 0
			p.state = Died
			return true
		}
		if pid == 0 {
			// Still alive.
			return false
		}
		p.logExit(ws)
		p.PID = 0
		p.state = Died
		return true
	}
}

func (p *Process) logExit(ws unix.WaitStatus) {
	if ws.Signaled() {
		sig := ws.Signal()
		if sig == unix.SIGTERM || sig == unix.SIGINT {
			return
		}
		p.log.Warn("fastcgi process killed by signal",
			zap.Int("pid", p.PID), zap.Int("id", p.ID), zap.String("signal", sig.String()))
		return
	}
	if ws.Exited() && ws.ExitStatus() != 0 {
		p.log.Warn("fastcgi process exited non-zero",
			zap.Int("pid", p.PID), zap.Int("id", p.ID), zap.Int("status", ws.ExitStatus()))
	}
}

// IncLoad records a newly dispatched request against this proc.
func (p *Process) IncLoad() {
	p.Load++
	p.Requests++
}

// DecLoad releases a completed or abandoned request's hold on this proc.
func (p *Process) DecLoad() {
	if p.Load > 0 {
		p.Load--
	}
}
