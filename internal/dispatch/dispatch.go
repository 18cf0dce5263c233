// Package dispatch implements the request-entry seam of spec 4.E: matching
// an inbound filename/URI against the extension registry, selecting a live
// host and process, and handing the (Host, Process, Extension) triple to
// the request state machine.
package dispatch

import (
	"errors"

	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/proc"
	"github.com/gophpeek/fcgigw/internal/registry"
)

// ErrNoMatch means no configured extension claims this filename/URI; the
// caller must pass the request through unhandled.
var ErrNoMatch = errors.New("dispatch: no extension matched")

// ErrAllBackendsDown means an extension matched but every one of its hosts
// has zero active procs; the caller must answer 503.
var ErrAllBackendsDown = errors.New("dispatch: all backend hosts are down")

// Selection is the outcome of a successful dispatch: a concrete backend to
// send the request to.
type Selection struct {
	Ext  *registry.Extension
	Host *host.Host
	Proc *proc.Process
}

// Dispatcher composes the registry's matching and selection into the two
// testable seams spec 4.C/4.D call out, and the triple-selection step spec
// 4.E hands off to the request state machine.
type Dispatcher struct {
	Registry *registry.Registry
}

func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{Registry: reg}
}

// Match finds the extension claiming filename in the given mode, per spec
// 4.D (map-extensions rewrite, then direct suffix/prefix match).
func (d *Dispatcher) Match(mode registry.Mode, filename string) (*registry.Extension, bool) {
	return d.Registry.Match(mode, filename)
}

// SelectHost runs spec 4.C's host-selection scan for ext.
func (d *Dispatcher) SelectHost(ext *registry.Extension) (*host.Host, bool) {
	return ext.SelectHost()
}

// SelectProc runs spec 4.C's least-load proc scan within h.
func (d *Dispatcher) SelectProc(h *host.Host) (*proc.Process, bool) {
	p := h.SelectProc()
	return p, p != nil
}

// Resolve runs the full spec 4.D/4.C pipeline for one mode: match the
// extension, select its host, select the host's best proc. Reconnects do
// not call it again: Request.Start reselects through ResolveExtension.
func (d *Dispatcher) Resolve(mode registry.Mode, filename string) (Selection, error) {
	ext, ok := d.Match(mode, filename)
	if !ok {
		return Selection{}, ErrNoMatch
	}
	return d.ResolveExtension(ext)
}

// ResolveExtension runs host/proc selection for an extension already
// matched, the seam the request state machine uses to reselect on
// reconnect without re-running the match step.
func (d *Dispatcher) ResolveExtension(ext *registry.Extension) (Selection, error) {
	h, ok := d.SelectHost(ext)
	if !ok {
		return Selection{}, ErrAllBackendsDown
	}
	p, ok := d.SelectProc(h)
	if !ok {
		// SelectHost only returns hosts with at least one active proc,
		// but load may have shifted between the two calls; treat as the
		// same exhaustion case.
		return Selection{}, ErrAllBackendsDown
	}
	return Selection{Ext: ext, Host: h, Proc: p}, nil
}

// ResolveAuthorizer runs the authorizer pass of spec 4.D, the one that
// precedes the responder pass when the registry has any authorizer
// extensions configured.
func (d *Dispatcher) ResolveAuthorizer(filename string) (Selection, error) {
	return d.Resolve(registry.ModeAuthorizer, filename)
}

// ResolveResponder runs the responder pass of spec 4.D.
func (d *Dispatcher) ResolveResponder(filename string) (Selection, error) {
	return d.Resolve(registry.ModeResponder, filename)
}

// HasAuthorizers reports whether the authorizer pass should run at all.
func (d *Dispatcher) HasAuthorizers() bool {
	return d.Registry.HasAuthorizers()
}

// SplitPathInfo implements the responder-only PATH_INFO split of spec 4.D
// for the extension a Resolve call matched.
func SplitPathInfo(ext *registry.Extension, uriPath string, fixRootPathName bool) (scriptName, pathInfo string) {
	return registry.SplitPathInfo(ext, uriPath, fixRootPathName)
}
