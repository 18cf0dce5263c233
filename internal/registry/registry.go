// Package registry implements the extension-to-host mapping (spec 4.D):
// map-extension rewriting, direct suffix/prefix matching, round-robin plus
// least-load host selection, and the PATH_INFO split for path-prefix
// extensions.
package registry

import (
	"strings"

	"github.com/gophpeek/fcgigw/internal/host"
)

// Mode distinguishes the two FastCGI roles this gateway dispatches to.
type Mode int

const (
	ModeResponder Mode = iota
	ModeAuthorizer
)

// Extension is one configured routing key: a filename suffix (".php") or a
// URI path prefix ("/fcgi/"), mapping to an ordered list of candidate
// Hosts.
type Extension struct {
	Key           string
	Hosts         []*host.Host
	lastUsedIndex int
	noteIsSent    bool
}

func (e *Extension) isPathPrefix() bool { return strings.HasPrefix(e.Key, "/") }

// NoteIsSent / SetNoteIsSent implement the one-shot "all handlers down"
// log latch of spec 4.C, cleared on the next successful match.
func (e *Extension) NoteIsSent() bool     { return e.noteIsSent }
func (e *Extension) SetNoteIsSent(v bool) { e.noteIsSent = v }

// Registry holds the three parallel extension maps of spec §3: the union
// (exts, used for lifecycle/supervision), and the authorizer/responder
// candidate maps, plus each bucket's registration order (first match in
// configuration order wins).
type Registry struct {
	Exts     map[string]*Extension
	ExtsAuth map[string]*Extension
	ExtsResp map[string]*Extension

	authOrder []string
	respOrder []string

	// MapExtensions implements the `map-extensions` table: alias suffix ->
	// canonical extension key, evaluated before direct matching. Order
	// matters only in the degenerate case of overlapping suffixes, so a
	// slice of pairs preserves configuration order exactly.
	MapExtensions []MapEntry
}

// MapEntry is one `map-extensions` alias -> canonical-key pair.
type MapEntry struct {
	From string
	To   string
}

func New() *Registry {
	return &Registry{
		Exts:     make(map[string]*Extension),
		ExtsAuth: make(map[string]*Extension),
		ExtsResp: make(map[string]*Extension),
	}
}

// Register adds h to the extension key's host list in the appropriate
// mode-specific bucket, and to the union map. It is called once per
// (extension, host) pair at configuration time, in the order extensions
// were declared.
func (r *Registry) Register(key string, mode Mode, h *host.Host) {
	ext, ok := r.Exts[key]
	if !ok {
		ext = &Extension{Key: key, lastUsedIndex: -1}
		r.Exts[key] = ext
	}
	ext.Hosts = append(ext.Hosts, h)

	bucket, order := r.bucketFor(mode)
	bext, ok := bucket[key]
	if !ok {
		bext = &Extension{Key: key, lastUsedIndex: -1}
		bucket[key] = bext
		*order = append(*order, key)
	}
	bext.Hosts = append(bext.Hosts, h)
}

func (r *Registry) bucketFor(mode Mode) (map[string]*Extension, *[]string) {
	if mode == ModeAuthorizer {
		return r.ExtsAuth, &r.authOrder
	}
	return r.ExtsResp, &r.respOrder
}

// resolveKey applies map-extensions rewriting: if filename ends with a
// configured alias suffix, the lookup proceeds under the mapped canonical
// key instead. First matching entry in configuration order wins.
func (r *Registry) resolveKey(filename string) (string, bool) {
	for _, e := range r.MapExtensions {
		if strings.HasSuffix(filename, e.From) {
			return e.To, true
		}
	}
	return "", false
}

// Match finds the first Extension whose key matches filename, in the given
// mode's bucket. Direct match rules: a key beginning with "/" matches as a
// URI-path prefix, otherwise as a filename suffix. First match in
// configuration order wins.
func (r *Registry) Match(mode Mode, filename string) (*Extension, bool) {
	bucket, orderPtr := r.bucketFor(mode)
	if len(bucket) == 0 {
		return nil, false
	}

	if mapped, ok := r.resolveKey(filename); ok {
		if ext, ok := bucket[mapped]; ok {
			return ext, true
		}
	}

	for _, key := range *orderPtr {
		ext := bucket[key]
		if ext.isPathPrefix() {
			if strings.HasPrefix(filename, ext.Key) {
				return ext, true
			}
			continue
		}
		if strings.HasSuffix(filename, ext.Key) {
			return ext, true
		}
	}
	return nil, false
}

// SelectHost implements spec 4.C's host selection: starting at
// lastUsedIndex+1 (mod len), if that host has zero load and at least one
// active proc it wins immediately; otherwise the whole list is scanned for
// the host with the smallest load among those with at least one active
// proc. If every host has zero active procs, ok is false and the caller
// answers 503. SelectHost clears the noteIsSent latch on every successful
// selection but never sets it, and no caller in this module consults it,
// so the "all handlers down" condition is not logged once per latch.
func (e *Extension) SelectHost() (h *host.Host, ok bool) {
	n := len(e.Hosts)
	if n == 0 {
		return nil, false
	}

	start := (e.lastUsedIndex + 1) % n
	if cand := e.Hosts[start]; cand.Load() == 0 && cand.ActiveProcs() > 0 {
		e.lastUsedIndex = start
		e.noteIsSent = false
		return cand, true
	}

	var best *host.Host
	bestIdx := -1
	for i, cand := range e.Hosts {
		if cand.ActiveProcs() == 0 {
			continue
		}
		if best == nil || cand.Load() < best.Load() {
			best = cand
			bestIdx = i
		}
	}
	if best == nil {
		return nil, false
	}
	e.lastUsedIndex = bestIdx
	e.noteIsSent = false
	return best, true
}

// HasAuthorizers reports whether any extension is registered for the
// authorizer pass, letting the dispatcher skip it entirely when unused.
func (r *Registry) HasAuthorizers() bool { return len(r.ExtsAuth) > 0 }

// SplitPathInfo implements the responder-only PATH_INFO split of spec 4.D.
// It returns (scriptName, pathInfo). Authorizer mode never splits and
// must not call this.
func SplitPathInfo(ext *Extension, uriPath string, fixRootPathName bool) (scriptName, pathInfo string) {
	if !ext.isPathPrefix() {
		return uriPath, ""
	}
	if fixRootPathName && ext.Key == "/" {
		return "", uriPath
	}
	rest := uriPath[len(ext.Key):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		split := len(ext.Key) + slash
		return uriPath[:split], uriPath[split:]
	}
	return uriPath, ""
}
