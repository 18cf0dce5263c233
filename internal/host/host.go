// Package host implements a single logical upstream's backend pool: the
// configured set of FastCGI processes, their spawn policy, least-load
// selection, and the periodic reap/respawn trigger.
package host

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gophpeek/fcgigw/internal/proc"
)

// Spawner binds/listens and forks+execs a local backend, or detects an
// already-listening remote endpoint. Implemented by package spawn; declared
// here to avoid host depending on the (heavier) spawn package's types.
type Spawner interface {
	Spawn(ctx context.Context, p *proc.Process, cfg Config) error
}

// Config is a Host's configuration, the typed counterpart of the
// string-keyed surface in spec.md §6.
type Config struct {
	ID string

	// Endpoint is the base endpoint; when MaxProcs > 1 each proc's actual
	// endpoint is derived from it (unix: "<path>-<id>", tcp: port+id),
	// matching the original's per-proc socket naming.
	Endpoint proc.Endpoint

	BinPath    string
	BinEnv     map[string]string
	BinEnvCopy []string

	MaxProcs           int
	DisableTime        time.Duration
	MaxRequestsPerProc int
	KillSignal         unix.Signal
	ListenBacklog      int

	CheckLocal                bool
	BreakScriptFilenameForPHP bool
	FixRootPathName           bool

	XSendfileAllow   bool
	XSendfileDocroot []string

	// WebRoot is the filesystem root the HTTP front end resolved the
	// request against; Docroot is the (possibly different) root the
	// backend should see instead. cgienv.TranslateDocroot rewrites
	// SCRIPT_FILENAME/DOCUMENT_ROOT from one to the other. Leaving
	// WebRoot empty (the common case, when both sides agree) makes the
	// translation a no-op.
	WebRoot         string
	Docroot         string
	StripRequestURI string

	// WriteLowWater and TempFileThreshold are the two tuned heuristics of
	// design note 9, defaulting to 65536-16384 and 65536-4096.
	WriteLowWater     int
	TempFileThreshold int
}

func (c Config) procEndpoint(id int) proc.Endpoint {
	if c.MaxProcs <= 1 {
		return c.Endpoint
	}
	if c.Endpoint.UnixPath != "" {
		return proc.Endpoint{UnixPath: fmt.Sprintf("%s-%d", c.Endpoint.UnixPath, id)}
	}
	return proc.Endpoint{Host: c.Endpoint.Host, Port: c.Endpoint.Port + uint16(id)}
}

// Host is one configured backend pool.
type Host struct {
	Config  Config
	procs   []*proc.Process
	maxID   int
	refcnt  int
	spawner Spawner
	log     *zap.Logger

	noteIsSent bool // per-host "all handlers down" latch; see NoteIsSent
}

// DefaultDisableTime is the cooldown New applies when the config package
// leaves DisableTime at its zero value to mean "not configured" rather
// than "explicitly disabled". A config loader that wants the disable
// window genuinely off must use a negative sentinel, not 0, since a
// proc's Disable is itself zero-window-aware (proc.Process.Disable
// treats DisableTime<=0 as "don't disable remote procs on connect
// failure", which callers rely on for always-down-backend test fixtures).
const DefaultDisableTime = time.Second

func New(cfg Config, spawner Spawner, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DisableTime == 0 {
		cfg.DisableTime = DefaultDisableTime
	} else if cfg.DisableTime < 0 {
		cfg.DisableTime = 0
	}
	if cfg.ListenBacklog == 0 {
		cfg.ListenBacklog = 1024
	}
	if cfg.KillSignal == 0 {
		cfg.KillSignal = unix.SIGTERM
	}
	if cfg.WriteLowWater == 0 {
		cfg.WriteLowWater = 65536 - 16384
	}
	if cfg.TempFileThreshold == 0 {
		cfg.TempFileThreshold = 65536 - 4096
	}
	if cfg.MaxProcs == 0 {
		cfg.MaxProcs = 4
	}
	return &Host{Config: cfg, spawner: spawner, log: log}
}

// Procs returns the live proc list; callers must not retain the slice
// across a Provision/respawn.
func (h *Host) Procs() []*proc.Process { return h.procs }

func (h *Host) IsLocal() bool { return h.Config.BinPath != "" }

func (h *Host) IncRef() { h.refcnt++ }
func (h *Host) RefCount() int {
	if h.refcnt == 0 {
		return 1
	}
	return h.refcnt
}

// Provision creates the configured number of procs and, for a local host,
// spawns each of them synchronously. A remote host's procs start DIED, are
// not selected by the dispatcher while DIED, and are flipped to RUNNING by
// the first periodic Tick (no reachability check is made).
func (h *Host) Provision(ctx context.Context) error {
	for i := 0; i < h.Config.MaxProcs; i++ {
		h.maxID++
		p := proc.New(h.maxID, h.Config.procEndpoint(h.maxID), h.IsLocal(), h.log)
		h.procs = append(h.procs, p)
		if h.IsLocal() {
			if err := h.spawnOne(ctx, p); err != nil {
				return fmt.Errorf("host %s: provisioning proc %d: %w", h.Config.ID, p.ID, err)
			}
		}
	}
	return nil
}

func (h *Host) spawnOne(ctx context.Context, p *proc.Process) error {
	if err := h.spawner.Spawn(ctx, p, h.Config); err != nil {
		return err
	}
	return nil
}

// Load is the sum of every proc's outstanding request count.
func (h *Host) Load() int {
	total := 0
	for _, p := range h.procs {
		total += p.Load
	}
	return total
}

// ActiveProcs counts procs currently RUNNING.
func (h *Host) ActiveProcs() int {
	n := 0
	for _, p := range h.procs {
		if p.State() == proc.Running {
			n++
		}
	}
	return n
}

// SelectProc implements spec 4.C's best-proc scan: a linear scan for
// state==RUNNING, starting with the first such proc and replacing it
// whenever a later proc has strictly smaller load.
func (h *Host) SelectProc() *proc.Process {
	var best *proc.Process
	for _, p := range h.procs {
		if p.State() != proc.Running {
			continue
		}
		if best == nil || p.Load < best.Load {
			best = p
		}
	}
	return best
}

// NoteIsSent / SetNoteIsSent expose a per-host one-shot "all handlers
// down" latch. Host selection in the registry uses registry.Extension's
// own latch instead; nothing in this module reads or sets this one.
func (h *Host) NoteIsSent() bool   { return h.noteIsSent }
func (h *Host) SetNoteIsSent(v bool) { h.noteIsSent = v }

// Tick implements the periodic supervisor trigger of spec 4.G: reap every
// local proc, respawn drained DIED local procs, and re-enable remote procs
// whose disable window has passed.
func (h *Host) Tick(ctx context.Context, now time.Time) {
	for _, p := range h.procs {
		p.Reap()

		switch p.State() {
		case proc.Died:
			if h.IsLocal() {
				if p.Load == 0 {
					if err := h.spawnOne(ctx, p); err != nil {
						h.log.Warn("respawn failed", zap.String("host", h.Config.ID), zap.Int("proc", p.ID), zap.Error(err))
					}
				}
			} else if !p.DisabledUntil.After(now) {
				p.MarkRunning(0)
			}
		case proc.DiedWaitForPID, proc.Overloaded:
			// Reap() already ran above; if the proc is back and its
			// disable window has passed, restore it to service. Remote
			// procs never carry a PID, so this must not require one.
			if p.State() != proc.Died && !p.DisabledUntil.After(now) {
				p.MarkRunning(p.PID)
			}
		}
	}
}

// Shutdown signals every local proc with the configured kill signal and
// waits (bounded by ctx) for each to be reaped, per the supplemented
// graceful-shutdown feature.
func (h *Host) Shutdown(ctx context.Context) error {
	for _, p := range h.procs {
		if p.IsLocal && p.PID > 0 {
			_ = unix.Kill(p.PID, h.Config.KillSignal)
		}
	}
	for _, p := range h.procs {
		for p.IsLocal && p.PID > 0 {
			if p.Reap() {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		p.Kill()
	}
	return nil
}
