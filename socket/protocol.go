// File: socket/protocol.go
// Author: hmorrison <hmorrison@ioloop.dev>

package socket

import "golang.org/x/sys/unix"

// Protocol supplies the family/type/protocol-number triple BaseSocket.Open
// passes to socket(2). The source parameterises this over a compile-time
// template argument; Go has no equivalent specialization need here, so it
// is simply a small value-type interface — the "tagged sum" alternative
// spec.md §9 calls out as performance-neutral for exactly two concrete
// protocols.
type Protocol interface {
	Family() int
	Type() int
	Proto() int
}

// TCPProtocol describes an Internet stream socket (AF_INET, SOCK_STREAM).
type TCPProtocol struct{}

func (TCPProtocol) Family() int { return unix.AF_INET }
func (TCPProtocol) Type() int   { return unix.SOCK_STREAM }
func (TCPProtocol) Proto() int  { return 0 }

// UnixProtocol describes a local stream socket (AF_UNIX, SOCK_STREAM).
type UnixProtocol struct{}

func (UnixProtocol) Family() int { return unix.AF_UNIX }
func (UnixProtocol) Type() int   { return unix.SOCK_STREAM }
func (UnixProtocol) Proto() int  { return 0 }
