package reqstate

import (
	"golang.org/x/sys/unix"

	"github.com/gophpeek/fcgigw/internal/proc"
)

// ConnectOutcome classifies a non-blocking connect attempt per spec 4.E.
type ConnectOutcome int

const (
	ConnectOK ConnectOutcome = iota
	ConnectDelayed
	ConnectOverloaded
	ConnectDead
)

func (o ConnectOutcome) String() string {
	switch o {
	case ConnectOK:
		return "OK"
	case ConnectDelayed:
		return "DELAYED"
	case ConnectOverloaded:
		return "OVERLOADED"
	case ConnectDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Dialer opens a non-blocking connection to a proc's endpoint and
// classifies the immediate result, standing in for the spec's
// `establish_connection`. The socket is kept as a raw, non-blocking file
// descriptor (never wrapped in net.Conn) so it can be driven exclusively
// through the EventLoop, matching the single-threaded-cooperative model of
// spec §5: nothing here ever lets the Go runtime's own netpoller arbitrate
// readiness for a connection this package owns.
type Dialer interface {
	Dial(ep proc.Endpoint) (fd int, outcome ConnectOutcome, err error)
}

// RawDialer is the production Dialer: a raw non-blocking SOCK_STREAM
// socket, connected with a single non-blocking connect(2) call and
// classified by its immediate errno, exactly as spec 4.E describes.
type RawDialer struct{}

func (RawDialer) Dial(ep proc.Endpoint) (int, ConnectOutcome, error) {
	domain, sa, err := ep.Sockaddr()
	if err != nil {
		return -1, ConnectDead, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, ConnectDead, err
	}

	switch err = unix.Connect(fd, sa); err {
	case nil:
		return fd, ConnectOK, nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return fd, ConnectDelayed, nil
	case unix.EAGAIN:
		unix.Close(fd)
		return -1, ConnectOverloaded, err
	default:
		unix.Close(fd)
		return -1, ConnectDead, err
	}
}

// probeSOError reads SO_ERROR off fd, the spec 4.E step that resolves
// CONNECT_DELAYED once the socket reports writable: a zero value means the
// connect succeeded, any other value is the connect errno.
func probeSOError(fd int) error {
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}
