// Package config loads the gateway's YAML configuration surface (spec.md
// §6) into typed structs and builds the registry/host graph from it,
// aggregating every validation error into one report rather than failing
// on the first problem found.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/proc"
	"github.com/gophpeek/fcgigw/internal/registry"
	"github.com/gophpeek/fcgigw/internal/spawn"
)

// HostConfig is one `fastcgi.server` backend entry, its YAML tags mirroring
// spec.md §6's configuration table verbatim.
type HostConfig struct {
	ID string `yaml:"id"`

	Host   string `yaml:"host"`
	Port   uint16 `yaml:"port"`
	Socket string `yaml:"socket"`

	BinPath           string            `yaml:"bin-path"`
	BinEnvironment    map[string]string `yaml:"bin-environment"`
	BinCopyEnvironment []string         `yaml:"bin-copy-environment"`

	MaxProcs    uint16 `yaml:"max-procs"`
	DisableTime *int   `yaml:"disable-time"`

	CheckLocal              bool   `yaml:"check-local"`
	BrokenScriptFilename    bool   `yaml:"broken-scriptfilename"`
	FixRootScriptname       bool   `yaml:"fix-root-scriptname"`
	KillSignal              string `yaml:"kill-signal"`
	ListenBacklog           int32  `yaml:"listen-backlog"`

	AllowXSendFile   bool     `yaml:"allow-x-send-file"`
	XSendfileDocroot []string `yaml:"x-sendfile-docroot"`

	WebRoot         string `yaml:"web-root"`
	Docroot         string `yaml:"docroot"`
	StripRequestURI string `yaml:"strip-request-uri"`

	Mode string `yaml:"mode"`
}

// ExtensionConfig is one routing-key entry: the extension/path-prefix key
// plus the ordered list of backend ids that serve it.
type ExtensionConfig struct {
	Key      string   `yaml:"key"`
	HostIDs  []string `yaml:"hosts"`
	Mode     string   `yaml:"mode"`
}

// MapExtension is one `map-extensions` alias entry.
type MapExtension struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Config is the top-level YAML document.
type Config struct {
	Hosts         []HostConfig      `yaml:"hosts"`
	Extensions    []ExtensionConfig `yaml:"extensions"`
	MapExtensions []MapExtension    `yaml:"map-extensions"`
}

// Load reads and parses path, then validates it with Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return &cfg, nil
}

// ValidationError aggregates every problem Validate found, per design note
// "typed configuration with aggregated diagnostics" rather than failing on
// the first one.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("config: %d validation error(s):\n  - %s", len(e.Errors), strings.Join(msgs, "\n  - "))
}

// socketUse records which host first claimed a socket path, and with what
// bin-path, so a later host sharing the same socket can be told apart as a
// genuine conflict (different or missing bin-paths) from an intentional
// shared backend (same non-empty bin-path).
type socketUse struct {
	hostID  string
	binPath string
}

// Validate checks every host and extension entry, returning every problem
// found rather than stopping at the first. Per spec §3's invariant, two
// hosts may share a UNIX socket path only when they also share an equal,
// non-empty bin-path (the second config entry is then just another name
// for the same backend); any other socket collision is rejected.
func (c *Config) Validate() []error {
	var errs []error

	ids := make(map[string]bool)
	sockets := make(map[string]socketUse) // socket path -> first claimant
	for i, h := range c.Hosts {
		if h.ID == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: id is required", i))
			continue
		}
		if ids[h.ID] {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate host id %q", i, h.ID))
		}
		ids[h.ID] = true

		if h.Socket == "" && h.Host == "" {
			errs = append(errs, fmt.Errorf("host %q: one of socket or host:port is required", h.ID))
		}
		if h.Socket != "" && h.Host != "" {
			errs = append(errs, fmt.Errorf("host %q: socket and host:port are mutually exclusive", h.ID))
		}
		if h.Socket != "" {
			if prev, ok := sockets[h.Socket]; ok {
				shared := prev.binPath != "" && prev.binPath == h.BinPath
				if !shared {
					errs = append(errs, fmt.Errorf("host %q: socket %q already used by host %q", h.ID, h.Socket, prev.hostID))
				}
			} else {
				sockets[h.Socket] = socketUse{hostID: h.ID, binPath: h.BinPath}
			}
		}
		if h.Mode != "" && h.Mode != "responder" && h.Mode != "authorizer" {
			errs = append(errs, fmt.Errorf("host %q: mode must be \"responder\" or \"authorizer\", got %q", h.ID, h.Mode))
		}
		for _, prefix := range h.XSendfileDocroot {
			if !strings.HasPrefix(prefix, "/") {
				errs = append(errs, fmt.Errorf("host %q: x-sendfile-docroot entry %q must start with /", h.ID, prefix))
			}
		}
	}

	for i, e := range c.Extensions {
		if e.Key == "" {
			errs = append(errs, fmt.Errorf("extensions[%d]: key is required", i))
		}
		if len(e.HostIDs) == 0 {
			errs = append(errs, fmt.Errorf("extension %q: at least one host is required", e.Key))
		}
		for _, id := range e.HostIDs {
			if !ids[id] {
				errs = append(errs, fmt.Errorf("extension %q: references unknown host %q", e.Key, id))
			}
		}
	}

	for i, m := range c.MapExtensions {
		if m.From == "" || m.To == "" {
			errs = append(errs, fmt.Errorf("map-extensions[%d]: both from and to are required", i))
		}
	}

	return errs
}

// killSignals maps the config's string spelling to the raw signal number,
// matching the original's "kill-signal" knob being numeric at the C level
// but friendlier spelled out here.
var killSignals = map[string]unix.Signal{
	"":        unix.SIGTERM,
	"SIGTERM": unix.SIGTERM,
	"SIGKILL": unix.SIGKILL,
	"SIGINT":  unix.SIGINT,
	"SIGQUIT": unix.SIGQUIT,
}

func (h HostConfig) toHostConfig(log *zap.Logger) (host.Config, error) {
	sig, ok := killSignals[strings.ToUpper(h.KillSignal)]
	if !ok {
		return host.Config{}, fmt.Errorf("host %q: unknown kill-signal %q", h.ID, h.KillSignal)
	}

	var endpoint proc.Endpoint
	if h.Socket != "" {
		endpoint = proc.Endpoint{UnixPath: h.Socket}
	} else {
		endpoint = proc.Endpoint{Host: h.Host, Port: h.Port}
	}

	disableTime := host.DefaultDisableTime
	if h.DisableTime != nil {
		disableTime = time.Duration(*h.DisableTime) * time.Second
		if *h.DisableTime == 0 {
			disableTime = -1 // host.New's "explicitly no cooldown" sentinel
		}
	}

	var copyEnv []string
	copyEnv = append(copyEnv, h.BinCopyEnvironment...)

	return host.Config{
		ID:                        h.ID,
		Endpoint:                  endpoint,
		BinPath:                   h.BinPath,
		BinEnv:                    h.BinEnvironment,
		BinEnvCopy:                copyEnv,
		MaxProcs:                  int(h.MaxProcs),
		DisableTime:               disableTime,
		KillSignal:                sig,
		ListenBacklog:             int(h.ListenBacklog),
		CheckLocal:                h.CheckLocal,
		BreakScriptFilenameForPHP: h.BrokenScriptFilename,
		FixRootPathName:           h.FixRootScriptname,
		XSendfileAllow:            h.AllowXSendFile,
		XSendfileDocroot:          h.XSendfileDocroot,
		WebRoot:                   h.WebRoot,
		Docroot:                   h.Docroot,
		StripRequestURI:           h.StripRequestURI,
	}, nil
}

// BuildRegistry realizes the parsed config into a live registry.Registry:
// one host.Host per HostConfig (provisioned via Provision), wired into
// registry.Extension entries per the Extensions/MapExtensions tables. Per
// spec §3, two HostConfig entries that share a socket path and an equal,
// non-empty bin-path are not provisioned twice: the second reuses the
// first's host.Host and bumps its refcount, rather than spawning the same
// backend under a second identity. The caller owns calling Provision/
// Shutdown around the returned hosts' lifetime; BuildRegistry only
// constructs and wires them.
func BuildRegistry(cfg *Config, log *zap.Logger) (*registry.Registry, map[string]*host.Host, error) {
	if log == nil {
		log = zap.NewNop()
	}
	hosts := make(map[string]*host.Host, len(cfg.Hosts))
	bySocket := make(map[string]*host.Host, len(cfg.Hosts))
	spawner := spawn.New(spawn.OSEnviron{}, log)

	for _, hc := range cfg.Hosts {
		if hc.Socket != "" && hc.BinPath != "" {
			if shared, ok := bySocket[hc.Socket]; ok && shared.Config.BinPath == hc.BinPath {
				shared.IncRef()
				hosts[hc.ID] = shared
				continue
			}
		}

		hcfg, err := hc.toHostConfig(log)
		if err != nil {
			return nil, nil, err
		}
		h := host.New(hcfg, spawner, log)
		h.IncRef()
		hosts[hc.ID] = h
		if hc.Socket != "" && hc.BinPath != "" {
			bySocket[hc.Socket] = h
		}
	}

	reg := registry.New()
	for _, me := range cfg.MapExtensions {
		reg.MapExtensions = append(reg.MapExtensions, registry.MapEntry{From: me.From, To: me.To})
	}

	for _, ec := range cfg.Extensions {
		mode := registry.ModeResponder
		if ec.Mode == "authorizer" {
			mode = registry.ModeAuthorizer
		}
		for _, id := range ec.HostIDs {
			h := hosts[id]
			h.IncRef()
			reg.Register(ec.Key, mode, h)
		}
	}

	return reg, hosts, nil
}
