//go:build linux
// +build linux

package equeue

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpollQueueOneShotFiresOnce(t *testing.T) {
	q, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	r, w := mustPipe(t)

	var fired int
	if err := q.Register(int32(r), ObjectTypeFD, EventRead, true, func(events EventMask) {
		fired++
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := q.Wait(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 1 || fired != 1 {
		t.Fatalf("expected exactly 1 dispatched event, got n=%d fired=%d", n, fired)
	}

	// Drain so a second Wait without re-registering has nothing to report;
	// since the registration was one-shot it must not fire again even
	// though data may still be pending.
	buf := make([]byte, 1)
	unix.Read(r, buf)
	if _, err := unix.Write(w, []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err = q.Wait(time.Now().Add(20*time.Millisecond), 10)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 || fired != 1 {
		t.Fatalf("expected no further dispatch after one-shot consumed, got n=%d fired=%d", n, fired)
	}
}

func TestEpollQueueOneShotRearmsAfterDelivery(t *testing.T) {
	q, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	r, w := mustPipe(t)

	var fired int
	register := func() {
		if err := q.Register(int32(r), ObjectTypeFD, EventRead, true, func(EventMask) {
			fired++
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	register()

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n, err := q.Wait(time.Now().Add(time.Second), 10); err != nil || n != 1 {
		t.Fatalf("first Wait: n=%d err=%v", n, err)
	}
	buf := make([]byte, 1)
	unix.Read(r, buf)

	// Re-arming after a one-shot delivery must issue EPOLL_CTL_MOD, not
	// EPOLL_CTL_ADD, since the fd is still part of the kernel's interest
	// set. Register failing here (e.g. with EEXIST) would previously go
	// unnoticed since callers ignore this error, silently dropping the
	// callback forever.
	register()
	if _, err := unix.Write(w, []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := q.Wait(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if n != 1 || fired != 2 {
		t.Fatalf("expected re-armed registration to fire again, got n=%d fired=%d", n, fired)
	}
}

func TestEpollQueueUnsupportedObjectType(t *testing.T) {
	q, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	err = q.Register(1, ObjectTypePort, EventRead, true, func(EventMask) {})
	if err != ErrUnsupportedObject {
		t.Fatalf("expected ErrUnsupportedObject, got %v", err)
	}
}

func TestEpollQueueCancelPreventsDelivery(t *testing.T) {
	q, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	r, w := mustPipe(t)

	var fired bool
	if err := q.Register(int32(r), ObjectTypeFD, EventRead, true, func(EventMask) {
		fired = true
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := q.Cancel(int32(r), ObjectTypeFD); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := q.Wait(time.Now().Add(20*time.Millisecond), 10)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 || fired {
		t.Fatalf("expected canceled registration to not fire, got n=%d fired=%v", n, fired)
	}
}
