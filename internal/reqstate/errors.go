package reqstate

import "errors"

// Sentinel errors surfaced by the request state machine, per spec §7's
// error-kind table. Callers (the dispatch-driven reconnect loop, the
// gateway's HTTP handler) map these onto concrete status codes.
var (
	// ErrConnectOverloaded means the backend's listen queue is full
	// (connect EAGAIN); the caller should retry against another backend.
	ErrConnectOverloaded = errors.New("reqstate: backend connect queue full")

	// ErrConnectDead covers every other connect failure (ECONNREFUSED,
	// unix ENOENT, a failed SO_ERROR probe after CONNECT_DELAYED); the
	// caller should retry against another backend.
	ErrConnectDead = errors.New("reqstate: backend unreachable")

	// ErrReconnectsExhausted is returned once the 6th connect attempt
	// (5 reconnects past the first) has failed; the caller must answer 503.
	ErrReconnectsExhausted = errors.New("reqstate: exhausted reconnect attempts")

	// ErrBackendReset covers a write/read failure (EPIPE, ECONNRESET,
	// premature EOF) discovered in WRITE/READ before any response byte
	// reached the client; the request fails outright with no reconnect.
	// Connect-phase failures surface as ErrConnectDead instead.
	ErrBackendReset = errors.New("reqstate: backend connection reset")

	// ErrResponseTruncated means the backend died after response bytes
	// had already been forwarded to the client; the connection is
	// terminated with no retry and no clean status line.
	ErrResponseTruncated = errors.New("reqstate: response truncated by backend failure")

	// ErrParamsTooLarge means the assembled CGI environment exceeds a
	// single PARAMS record's 65535-byte limit.
	ErrParamsTooLarge = errors.New("reqstate: environment exceeds PARAMS record limit")

	// ErrTooManyAuthorizerLoops means the authorizer COMEBACK loop
	// counter exceeded its cap (6); the caller must answer 500.
	ErrTooManyAuthorizerLoops = errors.New("reqstate: too many authorizer re-entries")

	// ErrMalformedResponse means the backend's STDOUT headers could not
	// be parsed as an HTTP response.
	ErrMalformedResponse = errors.New("reqstate: malformed backend response headers")

	// ErrXSendfileForbidden means an X-Sendfile path fell outside every
	// configured xsendfile-docroot prefix.
	ErrXSendfileForbidden = errors.New("reqstate: x-sendfile path outside allowed docroots")
)
