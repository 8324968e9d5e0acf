//go:build !linux && !windows
// +build !linux,!windows

// File: equeue/equeue_stub.go
// Author: hmorrison <hmorrison@ioloop.dev>
//
// Stub Queue for platforms without an epoll/IOCP backend, mirroring
// reactor_stub.go's "this platform is not supported" behavior.

package equeue

import "errors"

func newQueue() (Queue, error) {
	return nil, errors.New("equeue: no event-queue backend for this platform")
}
