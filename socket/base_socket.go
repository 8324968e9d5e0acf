// File: socket/base_socket.go
// Author: hmorrison <hmorrison@ioloop.dev>
//
// Package socket implements the synchronous BaseSocket wrapper and the
// non-blocking StreamSocket/ServerSocket abstractions layered over an
// eventloop.EventLoop, following io::BaseSocket / io::StreamSocket /
// io::ServerSocket from the Haiku network kit this module is modeled on.
package socket

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// BaseSocket wraps a single socket descriptor. The zero value is not ready
// for use — construct with NewBaseSocket, OpenBaseSocket or AdoptBaseSocket.
// A BaseSocket exclusively owns its descriptor: Close releases it back to
// the OS, and every operation after that returns an error.
type BaseSocket struct {
	fd int
}

// NewBaseSocket returns an unopened socket (fd == -1), mirroring the
// source's default BaseSocket() constructor.
func NewBaseSocket() *BaseSocket {
	return &BaseSocket{fd: -1}
}

// OpenBaseSocket creates and opens a socket for the given protocol. Unlike
// the source's throwing convenience constructor, this returns the error —
// Go has no exceptions, and every other operation in this package already
// returns errors, so a construction-time panic would be the outlier here.
func OpenBaseSocket(p Protocol) (*BaseSocket, error) {
	s := NewBaseSocket()
	if err := s.Open(p); err != nil {
		return nil, err
	}
	return s, nil
}

// AdoptBaseSocket takes ownership of an already-open descriptor. The
// descriptor's validity is not checked, matching the source's documented
// "behavior is undefined if an invalid or non-socket descriptor is passed."
func AdoptBaseSocket(fd int) *BaseSocket {
	return &BaseSocket{fd: fd}
}

// FD returns the underlying descriptor, or -1 if unopened or closed.
func (s *BaseSocket) FD() int {
	return s.fd
}

// Open creates a descriptor for the given protocol's family/type/proto
// triple, failing with whatever error socket(2) returns.
func (s *BaseSocket) Open(p Protocol) error {
	fd, err := unix.Socket(p.Family(), p.Type(), p.Proto())
	if err != nil {
		return fmt.Errorf("socket create: %w", err)
	}
	s.fd = fd
	return nil
}

// Adopt takes ownership of fd, replacing whatever descriptor (if any) this
// BaseSocket previously held. Preconditions are not checked.
func (s *BaseSocket) Adopt(fd int) {
	s.fd = fd
}

// Close releases the descriptor back to the OS. It is not idempotent: a
// second explicit call attempts to close(-1) and returns EBADF, matching
// the source, whose destructor guards re-entry but whose explicit Close()
// method does not.
func (s *BaseSocket) Close() error {
	fd := s.fd
	err := unix.Close(fd)
	s.fd = -1
	if err != nil {
		return fmt.Errorf("socket close fd=%d: %w", fd, err)
	}
	return nil
}

// Bind binds the socket to the given address.
func (s *BaseSocket) Bind(addr Address) error {
	if err := unix.Bind(s.fd, addr.Sockaddr); err != nil {
		return fmt.Errorf("socket bind fd=%d: %w", s.fd, err)
	}
	return nil
}

// SetNonBlocking sets or clears non-blocking I/O mode by setting or
// clearing the descriptor's O_NONBLOCK flag through fcntl(2)
// (unix.SetNonblock); golang.org/x/sys/unix has no FIONBIO constant on
// Linux, so the ioctl form is not used.
func (s *BaseSocket) SetNonBlocking(nonBlocking bool) error {
	if err := unix.SetNonblock(s.fd, nonBlocking); err != nil {
		return fmt.Errorf("socket set nonblocking fd=%d: %w", s.fd, err)
	}
	return nil
}

// Error reads and clears the socket's pending SO_ERROR value: nil if none,
// otherwise the syscall.Errno it held.
func (s *BaseSocket) Error() error {
	val, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("socket getsockopt SO_ERROR fd=%d: %w", s.fd, err)
	}
	if val == 0 {
		return nil
	}
	return unix.Errno(val)
}

// isRetryable reports whether err is the would-block condition that async
// operations absorb into "arm a wait", rather than surfacing to the caller.
func isRetryable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// isInProgress reports whether err is the non-blocking-connect-in-progress
// condition.
func isInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS)
}
