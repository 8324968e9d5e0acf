//go:build windows
// +build windows

// File: equeue/equeue_windows.go
// Author: hmorrison <hmorrison@ioloop.dev>
//
// Windows IOCP-backed Queue implementation.
//
// IOCP is a completion port, not a readiness poller: GetQueuedCompletionStatus
// wakes on completed overlapped operations, not on "fd became readable" the
// way epoll does. This backend keeps the same skeleton the teacher's own
// iocp_reactor.go uses — associate handles with the port, translate the
// completion key back to a registration, deliver a generic event mask — and
// carries the same limitation the teacher documents inline: without an
// overlapped I/O request actually in flight there is no way to recover which
// of read/write completed, so both bits are reported and the socket layer's
// own retry-on-EAGAIN logic sorts out the rest.

package equeue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

type winRegistration struct {
	fd      int32
	oneShot bool
	cb      Callback
}

// iocpQueue keeps two maps with deliberately different lifetimes. keys
// records that a handle has been associated with the completion port —
// Windows only allows that association to happen once per handle, ever, so
// this entry must survive a one-shot delivery and is only ever removed by
// Cancel (called right before the socket layer closes the handle). regs
// holds the currently armed registration for a completion key — this one
// is safe to remove on a one-shot delivery, since re-arming only needs a
// new callback installed against the handle's existing key, not a fresh
// association.
type iocpQueue struct {
	port windows.Handle

	mu      sync.Mutex
	keys    map[int32]uint32
	regs    map[uint32]*winRegistration
	keySeed uint32
}

func newQueue() (Queue, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("iocp create: %w", err)
	}
	return &iocpQueue{
		port: port,
		keys: make(map[int32]uint32),
		regs: make(map[uint32]*winRegistration),
	}, nil
}

func (q *iocpQueue) Register(objectID int32, objectType ObjectType, events EventMask, oneShot bool, cb Callback) error {
	if objectType != ObjectTypeFD {
		return ErrUnsupportedObject
	}

	q.mu.Lock()
	key, associated := q.keys[objectID]
	q.mu.Unlock()

	if !associated {
		newKey := atomic.AddUint32(&q.keySeed, 1)
		handle := windows.Handle(objectID)
		if _, err := windows.CreateIoCompletionPort(handle, q.port, uintptr(newKey), 0); err != nil {
			return fmt.Errorf("iocp associate handle=%d: %w", objectID, err)
		}
		key = newKey
		q.mu.Lock()
		q.keys[objectID] = key
		q.mu.Unlock()
	}

	q.mu.Lock()
	q.regs[key] = &winRegistration{fd: objectID, oneShot: oneShot, cb: cb}
	q.mu.Unlock()
	return nil
}

func (q *iocpQueue) Cancel(objectID int32, objectType ObjectType) error {
	if objectType != ObjectTypeFD {
		return ErrUnsupportedObject
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if key, ok := q.keys[objectID]; ok {
		delete(q.regs, key)
		delete(q.keys, objectID)
	}
	return nil
}

func (q *iocpQueue) Wait(deadline time.Time, maxEvents int) (int, error) {
	timeoutMs := uint32(windows.INFINITE)
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timeoutMs = uint32(remaining.Milliseconds())
	}

	dispatched := 0
	for dispatched < maxEvents {
		var bytes uint32
		var key uintptr
		var overlapped *windows.Overlapped

		err := windows.GetQueuedCompletionStatus(q.port, &bytes, &key, &overlapped, timeoutMs)
		if err != nil {
			if err == windows.WAIT_TIMEOUT {
				break
			}
			if dispatched > 0 {
				break
			}
			return 0, fmt.Errorf("iocp get queued completion status: %w", err)
		}

		// Only the armed registration is cleared on a one-shot delivery —
		// the handle's association with the port (q.keys) is permanent
		// and must not be touched here, or the next Register for this fd
		// would try to associate an already-associated handle and fail.
		q.mu.Lock()
		reg, ok := q.regs[uint32(key)]
		if ok && reg.oneShot {
			delete(q.regs, uint32(key))
		}
		q.mu.Unlock()
		if !ok {
			continue
		}

		reg.cb(EventRead | EventWrite)
		dispatched++
		timeoutMs = 0 // drain any further already-queued completions non-blockingly
	}
	return dispatched, nil
}

func (q *iocpQueue) Close() error {
	q.mu.Lock()
	q.keys = nil
	q.regs = nil
	q.mu.Unlock()
	if err := windows.CloseHandle(q.port); err != nil {
		return fmt.Errorf("iocp close: %w", err)
	}
	return nil
}
