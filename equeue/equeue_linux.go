//go:build linux
// +build linux

// File: equeue/equeue_linux.go
// Author: hmorrison <hmorrison@ioloop.dev>
//
// Linux epoll(7)-backed Queue implementation.

package equeue

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// registration tracks both the current callback and whether the fd has
// ever been added to the kernel epoll interest set. EPOLLONESHOT disarms a
// registration after delivery but leaves the fd registered with epoll — a
// second EPOLL_CTL_ADD on the same fd fails with EEXIST, so re-arming after
// a one-shot delivery must always go through EPOLL_CTL_MOD. Keeping this
// entry in the map across delivery (and only ever removing it via Cancel or
// Close, which do issue EPOLL_CTL_DEL) is what makes that distinction
// possible.
type registration struct {
	cb      Callback
	oneShot bool
}

type epollQueue struct {
	epfd int

	mu   sync.Mutex
	regs map[int]*registration
}

func newQueue() (Queue, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollQueue{
		epfd: epfd,
		regs: make(map[int]*registration),
	}, nil
}

func (q *epollQueue) Register(objectID int32, objectType ObjectType, events EventMask, oneShot bool, cb Callback) error {
	if objectType != ObjectTypeFD {
		return ErrUnsupportedObject
	}

	fd := int(objectID)

	var mask uint32
	if events&EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	if oneShot {
		mask |= unix.EPOLLONESHOT
	}

	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}

	q.mu.Lock()
	_, exists := q.regs[fd]
	q.regs[fd] = &registration{cb: cb, oneShot: oneShot}
	q.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	verb := "add"
	if exists {
		op = unix.EPOLL_CTL_MOD
		verb = "mod"
	}

	if err := unix.EpollCtl(q.epfd, op, fd, &ev); err != nil {
		// Only a failed ADD leaves the fd genuinely unregistered — a failed
		// MOD leaves whatever arming the kernel already had in place, so
		// the map entry (and the "this fd was added" fact it carries) must
		// not be rolled back in that case.
		if !exists {
			q.mu.Lock()
			delete(q.regs, fd)
			q.mu.Unlock()
		}
		return fmt.Errorf("epoll ctl %s fd=%d: %w", verb, fd, err)
	}
	return nil
}

// Cancel drops a registration; used when a socket is closing and its fd is
// about to be reused by the OS.
func (q *epollQueue) Cancel(objectID int32, objectType ObjectType) error {
	if objectType != ObjectTypeFD {
		return ErrUnsupportedObject
	}
	fd := int(objectID)

	q.mu.Lock()
	_, ok := q.regs[fd]
	delete(q.regs, fd)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(q.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (q *epollQueue) Wait(deadline time.Time, maxEvents int) (int, error) {
	timeoutMs := -1
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timeoutMs = int(remaining.Milliseconds())
	}

	raw := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(q.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)

		// The registration entry stays in the map even for a one-shot
		// delivery: epoll itself already disarmed the fd (EPOLLONESHOT),
		// but it remains part of the interest set, so the next Register
		// for this fd must see it as already added and issue
		// EPOLL_CTL_MOD, not EPOLL_CTL_ADD. Only Cancel/Close remove the
		// entry, matching the one EPOLL_CTL_DEL they each issue.
		q.mu.Lock()
		reg, ok := q.regs[fd]
		q.mu.Unlock()
		if !ok {
			continue
		}

		var em EventMask
		if raw[i].Events&unix.EPOLLIN != 0 {
			em |= EventRead
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			em |= EventWrite
		}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			em |= EventError
		}

		// Callback panics are not recovered here: EventLoop.RunOnce is
		// documented to let them propagate, matching the source's
		// behavior of not catching exceptions out of event dispatch.
		reg.cb(em)
		dispatched++
	}

	return dispatched, nil
}

func (q *epollQueue) Close() error {
	q.mu.Lock()
	q.regs = nil
	q.mu.Unlock()
	if err := unix.Close(q.epfd); err != nil {
		return fmt.Errorf("epoll close: %w", err)
	}
	return nil
}
