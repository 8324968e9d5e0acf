// File: socket/address.go
// Author: hmorrison <hmorrison@ioloop.dev>

package socket

import "golang.org/x/sys/unix"

// Address wraps a unix.Sockaddr. The source models an address as an opaque
// raw sockaddr byte buffer plus a length, because BSaddr layouts are a C
// ABI detail; golang.org/x/sys/unix already encapsulates that ABI behind
// the Sockaddr interface, so wrapping it here is the idiomatic-Go
// substitution for "pointer + length" — the underlying bytes are exactly
// what unix.Bind/unix.Connect marshal before the syscall.
type Address struct {
	Sockaddr unix.Sockaddr
}

// NewTCPAddress4 builds an IPv4 address value for use with TCPProtocol.
func NewTCPAddress4(ip [4]byte, port int) Address {
	return Address{Sockaddr: &unix.SockaddrInet4{Port: port, Addr: ip}}
}

// NewTCPAddress6 builds an IPv6 address value for use with TCPProtocol.
func NewTCPAddress6(ip [16]byte, port int) Address {
	return Address{Sockaddr: &unix.SockaddrInet6{Port: port, Addr: ip}}
}

// NewUnixAddress builds a local-domain address value for use with
// UnixProtocol.
func NewUnixAddress(path string) Address {
	return Address{Sockaddr: &unix.SockaddrUnix{Name: path}}
}
