// File: socket/server_socket.go
// Author: hmorrison <hmorrison@ioloop.dev>

package socket

import (
	"fmt"

	"github.com/hmorrison/ioloop/equeue"
	"github.com/hmorrison/ioloop/eventloop"

	"golang.org/x/sys/unix"
)

// AcceptCallback receives the result of an AsyncAccept: nil on success, in
// which case the peer StreamSocket passed to AsyncAccept now refers to the
// accepted connection.
type AcceptCallback func(err error)

// ServerSocket is a listening endpoint with a single pending-accept slot,
// analogous to StreamSocket but with only a read-side wait.
type ServerSocket struct {
	*BaseSocket
	loop *eventloop.EventLoop

	waitingAccept bool
	acceptPeer    *StreamSocket
	acceptCb      AcceptCallback
}

// NewServerSocket opens a socket for protocol p, associated with loop. It
// does not bind or listen; Bind and Listen are separate calls.
func NewServerSocket(loop *eventloop.EventLoop, p Protocol) (*ServerSocket, error) {
	base, err := OpenBaseSocket(p)
	if err != nil {
		return nil, err
	}
	return &ServerSocket{BaseSocket: base, loop: loop}, nil
}

// AdoptServerSocket wraps an already-open, already-bound descriptor.
func AdoptServerSocket(loop *eventloop.EventLoop, fd int) *ServerSocket {
	return &ServerSocket{BaseSocket: AdoptBaseSocket(fd), loop: loop}
}

// Close releases the descriptor and cancels its wait registration, then
// drops (without invoking) any pending accept callback.
func (s *ServerSocket) Close() error {
	fd := int32(s.FD())
	if fd >= 0 && s.loop != nil {
		_ = s.loop.CancelFD(fd)
	}
	s.waitingAccept = false
	s.acceptPeer = nil
	s.acceptCb = nil
	return s.BaseSocket.Close()
}

// Listen marks the socket as accepting incoming connections.
func (s *ServerSocket) Listen(backlog int) error {
	if err := unix.Listen(s.FD(), backlog); err != nil {
		return fmt.Errorf("socket listen fd=%d: %w", s.FD(), err)
	}
	return nil
}

// AsyncAccept issues a non-blocking accept. On success peer is adopted with
// the new connection and callback is invoked with a nil error — this may
// happen before AsyncAccept returns, if a connection was already queued.
// peer must remain valid until callback fires.
func (s *ServerSocket) AsyncAccept(peer *StreamSocket, callback AcceptCallback) {
	fd, _, err := unix.Accept(s.FD())
	if err == nil {
		peer.Adopt(fd)
		callback(nil)
		return
	}
	if !isRetryable(err) {
		callback(fmt.Errorf("socket accept fd=%d: %w", s.FD(), err))
		return
	}
	s.acceptPeer = peer
	s.acceptCb = callback
	s.waitingAccept = true
	s.waitForRead()
}

func (s *ServerSocket) waitForRead() {
	_ = s.loop.WaitForFD(int32(s.FD()), equeue.EventRead, s.handleEvents)
}

func (s *ServerSocket) handleEvents(events equeue.EventMask) {
	if events&equeue.EventError != 0 {
		if s.waitingAccept {
			s.waitingAccept = false
			cb := s.acceptCb
			s.acceptCb = nil
			s.acceptPeer = nil
			err := s.Error()
			if err != nil {
				err = fmt.Errorf("socket fd=%d: %w", s.FD(), err)
			}
			cb(err)
		}
		return
	}

	fd, _, err := unix.Accept(s.FD())
	switch {
	case err == nil:
		s.waitingAccept = false
		peer := s.acceptPeer
		cb := s.acceptCb
		s.acceptPeer, s.acceptCb = nil, nil
		peer.Adopt(fd)
		cb(nil)
	case !isRetryable(err):
		s.waitingAccept = false
		cb := s.acceptCb
		s.acceptCb = nil
		s.acceptPeer = nil
		cb(fmt.Errorf("socket accept fd=%d: %w", s.FD(), err))
	default:
		s.waitForRead()
	}
}
