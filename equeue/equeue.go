// File: equeue/equeue.go
// Author: hmorrison <hmorrison@ioloop.dev>
//
// Package equeue provides the generic event-queue abstraction the rest of
// this module treats as its readiness-multiplexing primitive: a single
// backend that can register heterogeneous wait objects (file descriptors,
// and in principle ports, semaphores and threads) and deliver readiness
// through a one-shot-by-default callback registration.
//
// Concrete backends live in equeue_linux.go (epoll), equeue_windows.go
// (IOCP) and equeue_stub.go (unsupported platforms), selected by build tag
// exactly the way the teacher's reactor package picks epoll vs IOCP.
package equeue

import (
	"errors"
	"time"
)

// EventMask is a bitmask of readiness conditions.
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
)

// ObjectType tags the kind of wait object behind an object id. Only FD is
// implemented by any backend in this module; the others are retained in the
// contract because the source EventLoop this is modeled on multiplexes
// ports, semaphores and threads alongside file descriptors.
type ObjectType uint16

const (
	ObjectTypeFD ObjectType = iota
	ObjectTypePort
	ObjectTypeSemaphore
	ObjectTypeThread
)

// Callback is invoked with the readiness bitmask delivered for a
// registration. It must not block and must not panic — Wait does not
// recover from callback panics, so one propagates out of Wait/RunOnce.
type Callback func(events EventMask)

// ErrUnsupportedObject is returned by Register when a backend cannot
// multiplex the requested ObjectType.
var ErrUnsupportedObject = errors.New("equeue: object type not supported by this backend")

// Queue is the generic event-queue contract: create, register/select, wait
// with an absolute deadline, close.
type Queue interface {
	// Register arms a wait on objectID/objectType for the given events.
	// oneShot registrations auto-disarm after delivering a single event;
	// non-one-shot registrations keep firing while the condition holds.
	// Registering the same (objectID, objectType) again rearms it in place.
	Register(objectID int32, objectType ObjectType, events EventMask, oneShot bool, cb Callback) error

	// Wait blocks until at least one event is ready, the deadline passes,
	// or maxEvents callbacks have been dispatched, whichever comes first.
	// A zero Time means wait indefinitely.  Returns the number of events
	// dispatched, or an error if the underlying wait syscall failed.
	Wait(deadline time.Time, maxEvents int) (int, error)

	// Cancel drops any registration for objectID/objectType without
	// requiring a matching delivery. Sockets call this on Close so a
	// stale cookie can never fire against a reused file descriptor.
	Cancel(objectID int32, objectType ObjectType) error

	// Close releases the backend's kernel resources.
	Close() error
}

// New constructs the platform-appropriate Queue backend.
func New() (Queue, error) {
	return newQueue()
}
