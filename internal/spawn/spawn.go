// Package spawn implements local FastCGI backend spawning: binding and
// listening on the backend's endpoint, forking and exec'ing the configured
// binary with that listening socket handed to it as fd 0, and detecting an
// already-externally-managed endpoint so it is connected to rather than
// forked.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/proc"
)

// ErrImmediateExit is returned when a newly forked backend exits within the
// startup grace window, before it could have bound to any useful work.
var ErrImmediateExit = errors.New("spawn: backend exited immediately after start")

// EnvironProvider supplies the ambient process environment. Routing
// environment access through an interface (rather than reading os.Environ
// directly, as the original does) lets tests supply deterministic input,
// per design note 9.
type EnvironProvider interface {
	Environ() []string
}

// OSEnviron is the production EnvironProvider, backed by os.Environ.
type OSEnviron struct{}

func (OSEnviron) Environ() []string { return os.Environ() }

const (
	probeTimeout = 200 * time.Millisecond
	startupGrace = 10 * time.Millisecond
)

// Spawner implements host.Spawner.
type Spawner struct {
	Environ EnvironProvider
	log     *zap.Logger
}

func New(environ EnvironProvider, log *zap.Logger) *Spawner {
	if environ == nil {
		environ = OSEnviron{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Spawner{Environ: environ, log: log}
}

var _ host.Spawner = (*Spawner)(nil)

// Spawn implements spec 4.F. It probes the endpoint first: if something is
// already listening there, the proc is adopted as a remote (non-local)
// backend and nothing is forked. Otherwise it binds and listens itself and
// forks+execs cfg.BinPath with the listening socket on fd 0.
func (s *Spawner) Spawn(ctx context.Context, p *proc.Process, cfg host.Config) error {
	network := p.Endpoint.Network()
	address := p.Endpoint.Address()

	if conn, err := net.DialTimeout(network, address, probeTimeout); err == nil {
		conn.Close()
		p.IsLocal = false
		p.MarkRunning(0)
		return nil
	} else if network == "unix" && !errors.Is(err, unix.ENOENT) && !errors.Is(err, os.ErrNotExist) {
		// A stale socket file that refuses connections (ECONNREFUSED)
		// must be removed before we can bind it ourselves.
		_ = os.Remove(address)
	}

	listenerFile, err := bindAndListen(p.Endpoint, cfg.ListenBacklog)
	if err != nil {
		return fmt.Errorf("spawn: bind %s %s: %w", network, address, err)
	}
	defer listenerFile.Close()

	argv := strings.Fields(cfg.BinPath)
	if len(argv) == 0 {
		return errors.New("spawn: empty bin-path")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = listenerFile
	cmd.Env = buildChildEnv(cfg, s.Environ)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn: starting %q: %w", cfg.BinPath, err)
	}

	p.IsLocal = true
	p.MarkRunning(cmd.Process.Pid)

	// Give the child a moment to fail fast (missing shared libs, bad
	// config) and reap it non-blockingly, matching the original's 10ms
	// grace window before declaring a config-time spawn successful.
	time.Sleep(startupGrace)
	if p.Reap() {
		return ErrImmediateExit
	}
	return nil
}

// bindAndListen opens a fresh SOCK_STREAM socket, sets SO_REUSEADDR, binds
// to ep, and listens with the given backlog (defaulting to 1024), returning
// the listening socket as an *os.File so it can be handed to a child's fd 0
// via exec.Cmd.Stdin.
func bindAndListen(ep proc.Endpoint, backlog int) (*os.File, error) {
	if backlog <= 0 {
		backlog = 1024
	}

	domain, sa, err := ep.Sockaddr()
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	return os.NewFile(uintptr(fd), ep.Address()), nil
}

// buildChildEnv implements the spec's bin-environment / bin-copy-environment
// semantics: whitelist-copy named vars from the ambient environment (or
// copy all of it if no whitelist is given), then overlay bin-environment,
// then ensure PHP_FCGI_CHILDREN is set.
func buildChildEnv(cfg host.Config, environ EnvironProvider) []string {
	ambient := environ.Environ()

	var env []string
	if len(cfg.BinEnvCopy) > 0 {
		wanted := make(map[string]bool, len(cfg.BinEnvCopy))
		for _, name := range cfg.BinEnvCopy {
			wanted[name] = true
		}
		for _, kv := range ambient {
			if name, _, ok := strings.Cut(kv, "="); ok && wanted[name] {
				env = append(env, kv)
			}
		}
	} else {
		env = append(env, ambient...)
	}

	overlay := make(map[string]bool, len(cfg.BinEnv))
	for k, v := range cfg.BinEnv {
		env = append(env, k+"="+v)
		overlay[k] = true
	}

	hasChildren := overlay["PHP_FCGI_CHILDREN"]
	if !hasChildren {
		for _, kv := range env {
			if strings.HasPrefix(kv, "PHP_FCGI_CHILDREN=") {
				hasChildren = true
				break
			}
		}
	}
	if !hasChildren {
		env = append(env, "PHP_FCGI_CHILDREN=1")
	}

	return env
}
