// File: socket/stream_socket.go
// Author: hmorrison <hmorrison@ioloop.dev>

package socket

import (
	"fmt"

	"github.com/hmorrison/ioloop/equeue"
	"github.com/hmorrison/ioloop/eventloop"

	"golang.org/x/sys/unix"
)

// IOCallback receives the result of an AsyncSend/AsyncRecv: either a
// non-negative byte count with a nil error, or a zero count with the
// syscall error that terminated the operation.
type IOCallback func(n int, err error)

// ConnectCallback receives the result of an AsyncConnect: nil on success,
// otherwise the connection error.
type ConnectCallback func(err error)

type ioRequest struct {
	buf   []byte
	flags int
	cb    IOCallback
}

// StreamSocket is a non-blocking stream endpoint with three independent
// in-flight slots — connect, send, recv — each driven to completion by
// readiness events delivered through an eventloop.EventLoop. At most one
// operation per slot may be pending at a time; issuing a second AsyncSend
// (or AsyncRecv, or AsyncConnect) while one is already pending is a caller
// error the source does not defend against, and neither does this package.
type StreamSocket struct {
	*BaseSocket
	loop *eventloop.EventLoop

	waitingConnect bool
	waitingWrite   bool
	waitingRead    bool

	connectCb ConnectCallback
	sendReq   ioRequest
	recvReq   ioRequest
}

// NewStreamSocket returns an unopened StreamSocket associated with loop.
func NewStreamSocket(loop *eventloop.EventLoop) *StreamSocket {
	return &StreamSocket{BaseSocket: NewBaseSocket(), loop: loop}
}

// OpenStreamSocket opens a socket for protocol p, associated with loop.
func OpenStreamSocket(loop *eventloop.EventLoop, p Protocol) (*StreamSocket, error) {
	base, err := OpenBaseSocket(p)
	if err != nil {
		return nil, err
	}
	return &StreamSocket{BaseSocket: base, loop: loop}, nil
}

// AdoptStreamSocket wraps an already-open descriptor, associated with loop.
// ServerSocket.AsyncAccept does not use it: it calls Adopt on the
// caller-supplied StreamSocket instead.
func AdoptStreamSocket(loop *eventloop.EventLoop, fd int) *StreamSocket {
	return &StreamSocket{BaseSocket: AdoptBaseSocket(fd), loop: loop}
}

// Close releases the descriptor and cancels any pending wait registration
// for it, then drops (without invoking) any pending slot's callback. The
// source's destructor is empty and leaves stale registrations behind if the
// event queue outlives the socket; this package instead unregisters
// explicitly on Close, per DESIGN.md's resolution of that open question.
func (s *StreamSocket) Close() error {
	fd := int32(s.FD())
	if fd >= 0 && s.loop != nil {
		_ = s.loop.CancelFD(fd)
	}
	s.waitingConnect = false
	s.waitingWrite = false
	s.waitingRead = false
	s.connectCb = nil
	s.sendReq = ioRequest{}
	s.recvReq = ioRequest{}
	return s.BaseSocket.Close()
}

// AsyncConnect issues a non-blocking connect to peer. callback may be
// invoked before AsyncConnect returns if the connection completes (or
// fails) synchronously.
func (s *StreamSocket) AsyncConnect(peer Address, callback ConnectCallback) {
	err := unix.Connect(s.FD(), peer.Sockaddr)
	if err == nil {
		callback(nil)
		return
	}
	if !isInProgress(err) {
		callback(fmt.Errorf("socket connect fd=%d: %w", s.FD(), err))
		return
	}
	s.waitingConnect = true
	s.connectCb = callback
	s.waitForWrite()
}

// AsyncRecv issues a non-blocking recv into buf. callback may be invoked
// before AsyncRecv returns. Completion happens as soon as recv(2) returns
// any non-negative byte count, even short of len(buf) — the caller is
// responsible for follow-on calls to fully drain a message.
func (s *StreamSocket) AsyncRecv(buf []byte, flags int, callback IOCallback) {
	n, _, err := unix.Recvfrom(s.FD(), buf, flags)
	if err == nil {
		callback(n, nil)
		return
	}
	if !isRetryable(err) {
		callback(0, fmt.Errorf("socket recv fd=%d: %w", s.FD(), err))
		return
	}
	s.recvReq = ioRequest{buf: buf, flags: flags, cb: callback}
	s.waitingRead = true
	s.waitForRead()
}

// AsyncSend issues a non-blocking send of buf. callback may be invoked
// before AsyncSend returns. Completion happens as soon as send(2) accepts
// any non-negative byte count, even short of len(buf).
func (s *StreamSocket) AsyncSend(buf []byte, flags int, callback IOCallback) {
	n, err := unix.SendmsgN(s.FD(), buf, nil, nil, flags)
	if err == nil {
		callback(n, nil)
		return
	}
	if !isRetryable(err) {
		callback(0, fmt.Errorf("socket send fd=%d: %w", s.FD(), err))
		return
	}
	s.sendReq = ioRequest{buf: buf, flags: flags, cb: callback}
	s.waitingWrite = true
	s.waitForWrite()
}

func (s *StreamSocket) waitForRead() {
	_ = s.loop.WaitForFD(int32(s.FD()), equeue.EventRead, s.handleEvents)
}

func (s *StreamSocket) waitForWrite() {
	_ = s.loop.WaitForFD(int32(s.FD()), equeue.EventWrite, s.handleEvents)
}

// handleEvents is the socket's single, pointer-identity-stable event
// callback: the cookie the equeue backend stores for this fd is this method
// value, so every delivery routes straight back into this state machine.
// Read-readiness drives recv; write-readiness drives at most one of
// {connect, send} per delivery, with connect taking precedence.
func (s *StreamSocket) handleEvents(events equeue.EventMask) {
	if events&equeue.EventRead != 0 && s.waitingRead {
		s.handleRecv()
	}
	if events&equeue.EventWrite != 0 {
		if s.waitingConnect {
			s.handleConnect()
		} else if s.waitingWrite {
			s.handleSend()
		}
	}
	if events&equeue.EventError != 0 {
		s.handleError()
	}
}

func (s *StreamSocket) handleRecv() {
	n, _, err := unix.Recvfrom(s.FD(), s.recvReq.buf, s.recvReq.flags)
	if err == nil || !isRetryable(err) {
		s.waitingRead = false
		cb := s.recvReq.cb
		s.recvReq = ioRequest{}
		if err != nil {
			n = 0
			err = fmt.Errorf("socket recv fd=%d: %w", s.FD(), err)
		}
		cb(n, err)
	} else {
		s.waitForRead()
	}
}

func (s *StreamSocket) handleSend() {
	// Uses the send slot's own buffer/flags. The source this is modeled on
	// has a documented bug here — it reads the recv request's fields
	// instead of the send request's — which spec.md §9 calls "unambiguously
	// wrong" and explicitly recommends fixing rather than preserving; see
	// DESIGN.md OQ-1.
	n, err := unix.SendmsgN(s.FD(), s.sendReq.buf, nil, nil, s.sendReq.flags)
	if err == nil || !isRetryable(err) {
		s.waitingWrite = false
		cb := s.sendReq.cb
		s.sendReq = ioRequest{}
		if err != nil {
			n = 0
			err = fmt.Errorf("socket send fd=%d: %w", s.FD(), err)
		}
		cb(n, err)
	} else {
		s.waitForWrite()
	}
}

func (s *StreamSocket) handleConnect() {
	s.waitingConnect = false
	cb := s.connectCb
	s.connectCb = nil
	// Writable readiness after a non-blocking connect only means the
	// attempt completed, not that it succeeded; SO_ERROR carries the real
	// result. The source reports success unconditionally here — spec.md §9
	// explicitly recommends probing instead, so this package does.
	if err := s.Error(); err != nil {
		cb(fmt.Errorf("socket connect fd=%d: %w", s.FD(), err))
	} else {
		cb(nil)
	}
}

// handleError surfaces a socket-level error to whichever operation is
// currently pending, in connect > send > recv priority; connect before send
// matches the precedence handleEvents gives connect on write-readiness.
func (s *StreamSocket) handleError() {
	err := s.Error()
	if err != nil {
		err = fmt.Errorf("socket fd=%d: %w", s.FD(), err)
	}
	if s.waitingConnect {
		s.waitingConnect = false
		cb := s.connectCb
		s.connectCb = nil
		cb(err)
		return
	}
	if s.waitingWrite {
		s.waitingWrite = false
		cb := s.sendReq.cb
		s.sendReq = ioRequest{}
		cb(0, err)
		return
	}
	if s.waitingRead {
		s.waitingRead = false
		cb := s.recvReq.cb
		s.recvReq = ioRequest{}
		cb(0, err)
	}
}
