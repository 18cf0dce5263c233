package dispatch

import (
	"errors"

	"github.com/gophpeek/fcgigw/internal/registry"
	"github.com/gophpeek/fcgigw/internal/reqstate"
)

// Request ties a Dispatcher's reselection capability to one
// reqstate.Context's lifetime, implementing spec 4.E's reconnect policy:
// up to 5 reconnects, each reselecting a host/proc from the same matched
// Extension, before surfacing reqstate.ErrReconnectsExhausted for the
// caller to answer 503.
type Request struct {
	dispatcher *Dispatcher
	ext        *registry.Extension
	ctx        *reqstate.Context
}

// NewRequest builds a Request for a (Host, Process, Extension) triple a
// Resolve* call already selected.
func (d *Dispatcher) NewRequest(sel Selection, mode registry.Mode) *Request {
	return &Request{
		dispatcher: d,
		ext:        sel.Ext,
		ctx:        reqstate.NewContext(sel.Host, sel.Proc, sel.Ext, mode),
	}
}

func (r *Request) Context() *reqstate.Context { return r.ctx }

// Start runs the connect phase, transparently reselecting and reconnecting
// on a connect-phase failure up to the reconnect cap.
func (r *Request) Start() error {
	err := r.ctx.Start()
	for isRetryableConnectErr(err) {
		sel, serr := r.dispatcher.ResolveExtension(r.ext)
		if serr != nil {
			return serr
		}
		err = r.ctx.Reconnect(sel.Host, sel.Proc)
	}
	return err
}

func isRetryableConnectErr(err error) bool {
	return errors.Is(err, reqstate.ErrConnectDead) || errors.Is(err, reqstate.ErrConnectOverloaded)
}
