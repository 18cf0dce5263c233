// Package netloop provides the EventLoop abstraction the spec treats as an
// external collaborator (file-descriptor registration, readiness
// notification, non-blocking connect probing), plus a default epoll-backed
// implementation so this module is runnable standalone.
package netloop

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Interest is a bitmask of readiness conditions a caller wants notified
// about.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// Event describes one readiness notification delivered to a Handler.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Err      error
}

// Handler is invoked on the event loop's goroutine whenever fd becomes
// ready per its registered interest. Per spec §5, a Handler must not
// block: every potentially-blocking operation it triggers (connect, read,
// write) must itself be non-blocking and re-suspend by calling Modify.
type Handler func(Event)

// EventLoop is the abstract collaborator spec §1 calls out as external:
// fd registration, readiness notification, and (via Register on a
// non-blocking connecting socket) connect-status probing.
type EventLoop interface {
	Register(fd int, interest Interest, h Handler) error
	Modify(fd int, interest Interest) error
	Deregister(fd int) error
	Run(ctx context.Context) error
}

// Epoll is the default EventLoop, backed by Linux epoll. All registered
// handlers run serially on the single goroutine that calls Run, preserving
// the "no locks required or permitted" invariant for core state: nothing
// but this goroutine ever touches a Host/Process/reqstate.Context.
type Epoll struct {
	fd  int
	log *zap.Logger

	mu       sync.Mutex
	handlers map[int]Handler
}

func NewEpoll(log *zap.Logger) (*Epoll, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netloop: epoll_create1: %w", err)
	}
	return &Epoll{fd: fd, log: log, handlers: make(map[int]Handler)}, nil
}

func events(interest Interest) uint32 {
	var ev uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if interest&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (e *Epoll) Register(fd int, interest Interest, h Handler) error {
	e.mu.Lock()
	e.handlers[fd] = h
	e.mu.Unlock()

	ev := &unix.EpollEvent{Events: events(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		e.mu.Lock()
		delete(e.handlers, fd)
		e.mu.Unlock()
		return fmt.Errorf("netloop: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (e *Epoll) Modify(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: events(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("netloop: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (e *Epoll) Deregister(fd int) error {
	e.mu.Lock()
	delete(e.handlers, fd)
	e.mu.Unlock()
	// EPOLL_CTL_DEL with a nil event is valid on Linux; errors here are
	// expected once the fd has already been closed and are not fatal.
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

// Run blocks, dispatching readiness events to registered handlers, until
// ctx is cancelled.
func (e *Epoll) Run(ctx context.Context) error {
	const maxEvents = 128
	raw := make([]unix.EpollEvent, maxEvents)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := unix.EpollWait(e.fd, raw, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("netloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(raw[i].Fd)
			e.mu.Lock()
			h, ok := e.handlers[fd]
			e.mu.Unlock()
			if !ok {
				continue
			}
			ev := Event{
				Fd:       fd,
				Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
				Writable: raw[i].Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0,
			}
			if raw[i].Events&unix.EPOLLERR != 0 {
				ev.Err = fmt.Errorf("netloop: EPOLLERR on fd=%d", fd)
			}
			h(ev)
		}
	}
}

func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}

var _ EventLoop = (*Epoll)(nil)
