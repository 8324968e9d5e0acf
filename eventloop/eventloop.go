// File: eventloop/eventloop.go
// Author: hmorrison <hmorrison@ioloop.dev>
//
// Package eventloop implements the single-threaded reactor at the core of
// this module: one iteration drains deferred work, fires expired timers,
// waits once on the underlying equeue.Queue, and dispatches whatever
// readiness events that wait delivered.
//
// Everything here is meant to run on exactly one goroutine — the one that
// calls RunOnce (or Run). No field is protected by a mutex; correctness
// relies entirely on that single-caller discipline, the same way the
// EventLoop this is modeled on (Haiku's io::EventLoop) relies on being
// driven from one thread.
package eventloop

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/eapache/queue"

	"github.com/hmorrison/ioloop/equeue"
)

// maxEventsPerWait bounds how many events a single equeue.Wait call may
// dispatch, matching the source's EVENTS_TO_READ = 50.
const maxEventsPerWait = 50

// Work is a nullary deferred callable, run on the iteration after the one
// it was scheduled during.
type Work func()

// timer is one scheduled callable, ordered by Expiration.
type timer struct {
	expiration time.Time
	fn         func()
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiration.Before(h[j].expiration) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// EventLoop owns an equeue.Queue, a FIFO of deferred work and a timer
// min-heap, and drives them through repeated calls to RunOnce.
type EventLoop struct {
	q      equeue.Queue
	work   *queue.Queue
	timers timerHeap
}

// New creates an EventLoop backed by a freshly constructed equeue.Queue.
// Queue creation failure is fatal at construction time, exactly as the
// source EventLoop's constructor throws if event_queue_create fails.
func New() (*EventLoop, error) {
	q, err := equeue.New()
	if err != nil {
		return nil, fmt.Errorf("event loop: create event queue: %w", err)
	}
	return &EventLoop{
		q:    q,
		work: queue.New(),
	}, nil
}

// Close releases the underlying event queue.
func (el *EventLoop) Close() error {
	return el.q.Close()
}

// ExecuteLater appends fn to the work queue; it runs on the next RunOnce.
func (el *EventLoop) ExecuteLater(fn Work) {
	el.work.Add(fn)
}

// ExecuteAt schedules fn to fire once at, or the first RunOnce whose
// dispatch happens at or after, the given time.
func (el *EventLoop) ExecuteAt(fn func(), at time.Time) {
	heap.Push(&el.timers, &timer{expiration: at, fn: fn})
}

// WaitForFD arms a one-shot wait for the given readiness on fd. The
// callback must remain valid until it fires; the loop holds only a weak
// reference to it via the equeue backend.
func (el *EventLoop) WaitForFD(fd int32, events equeue.EventMask, cb equeue.Callback) error {
	return el.waitForObject(fd, equeue.ObjectTypeFD, events, cb, true)
}

// WaitForFDMode is WaitForFD with an explicit one-shot flag, for callers
// that want a level-triggered, multi-fire registration.
func (el *EventLoop) WaitForFDMode(fd int32, events equeue.EventMask, cb equeue.Callback, oneShot bool) error {
	return el.waitForObject(fd, equeue.ObjectTypeFD, events, cb, oneShot)
}

// WaitForPort, WaitForSemaphore and WaitForThread round out the wait-object
// contract of the source EventLoop. No backend in this module implements
// anything but file descriptors, so on every current platform these return
// equeue.ErrUnsupportedObject — the contract is kept shaped for a future
// backend rather than removed, since the source multiplexes exactly these
// four object kinds through one primitive.
func (el *EventLoop) WaitForPort(id int32, events equeue.EventMask, cb equeue.Callback) error {
	return el.waitForObject(id, equeue.ObjectTypePort, events, cb, true)
}

func (el *EventLoop) WaitForSemaphore(id int32, events equeue.EventMask, cb equeue.Callback) error {
	return el.waitForObject(id, equeue.ObjectTypeSemaphore, events, cb, true)
}

func (el *EventLoop) WaitForThread(id int32, events equeue.EventMask, cb equeue.Callback) error {
	return el.waitForObject(id, equeue.ObjectTypeThread, events, cb, true)
}

func (el *EventLoop) waitForObject(id int32, kind equeue.ObjectType, events equeue.EventMask, cb equeue.Callback, oneShot bool) error {
	return el.q.Register(id, kind, events, oneShot, cb)
}

// CancelFD drops any pending registration for fd without waiting for a
// delivery. Sockets call this from Close so a stale cookie can never route
// an event to a socket whose descriptor has since been reused by the OS.
func (el *EventLoop) CancelFD(fd int32) error {
	return el.q.Cancel(fd, equeue.ObjectTypeFD)
}

// RunOnce performs exactly one loop iteration: drain deferred work, fire
// expired timers, wait once for readiness (bounded to maxEventsPerWait
// events), and return however many events that wait dispatched.
func (el *EventLoop) RunOnce() (int, error) {
	el.dispatchWork()

	now := time.Now()
	el.dispatchTimers(now)

	deadline := el.nextDeadline()
	return el.q.Wait(deadline, maxEventsPerWait)
}

// Run repeatedly calls RunOnce until it returns a non-nil error.
func (el *EventLoop) Run() error {
	for {
		if _, err := el.RunOnce(); err != nil {
			return err
		}
	}
}

// dispatchWork runs exactly the work items queued before this call began —
// swap-then-run semantics. Anything ExecuteLater'd from inside a running
// work item is appended to the same underlying queue but is not counted in
// this iteration's snapshot, so it runs on the next RunOnce.
func (el *EventLoop) dispatchWork() {
	n := el.work.Length()
	for i := 0; i < n; i++ {
		fn := el.work.Peek().(Work)
		el.work.Remove()
		fn()
	}
}

// dispatchTimers fires every timer whose expiration has passed, in
// ascending expiration order. Each timer's function runs before that timer
// is popped from the heap, matching the source's ordering. Timers scheduled
// via ExecuteAt while dispatch is running go into a separate heap that is
// merged back only after the loop, so they can never displace the entry
// being fired from the root, and even an already-expired one first fires on
// the next RunOnce. See DESIGN.md OQ-4.
func (el *EventLoop) dispatchTimers(now time.Time) {
	due := el.timers
	el.timers = nil
	for len(due) > 0 {
		next := due[0]
		if next.expiration.After(now) {
			break
		}
		next.fn()
		heap.Pop(&due)
	}
	for _, t := range el.timers {
		heap.Push(&due, t)
	}
	el.timers = due
}

// nextDeadline returns the earliest timer's expiration, or the zero Time
// (interpreted by equeue.Queue.Wait as "wait indefinitely") if none remain.
func (el *EventLoop) nextDeadline() time.Time {
	if len(el.timers) == 0 {
		return time.Time{}
	}
	return el.timers[0].expiration
}

// PendingTimers reports how many timers remain scheduled; exposed for tests
// asserting the min-heap invariant and scheduling behavior.
func (el *EventLoop) PendingTimers() int {
	return len(el.timers)
}

// PendingWork reports how many deferred work items remain queued.
func (el *EventLoop) PendingWork() int {
	return el.work.Length()
}
