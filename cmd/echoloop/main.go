// File: cmd/echoloop/main.go
// Author: hmorrison <hmorrison@ioloop.dev>
//
// Command echoloop is a minimal byte-echoing TCP server built directly on
// this module's socket and eventloop packages, in place of net.Listen and
// net.Conn. It exists to exercise the domain stack end to end, the way
// examples/reactor_echo does for the teacher's own reactor package.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/hmorrison/ioloop/eventloop"
	"github.com/hmorrison/ioloop/socket"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9002", "address to listen on")
	flag.Parse()

	host, port, err := parseAddr(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoloop: %v\n", err)
		os.Exit(1)
	}

	el, err := eventloop.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoloop: eventloop.New: %v\n", err)
		os.Exit(1)
	}
	defer el.Close()

	srv, err := socket.NewServerSocket(el, socket.TCPProtocol{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoloop: NewServerSocket: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.SetNonBlocking(true); err != nil {
		fmt.Fprintf(os.Stderr, "echoloop: SetNonBlocking: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Bind(socket.NewTCPAddress4(host, port)); err != nil {
		fmt.Fprintf(os.Stderr, "echoloop: Bind: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Listen(128); err != nil {
		fmt.Fprintf(os.Stderr, "echoloop: Listen: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("[echoloop] listening on %s\n", *addr)
	armAccept(el, srv)

	if err := el.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "echoloop: event loop stopped: %v\n", err)
		os.Exit(1)
	}
}

// armAccept keeps exactly one AsyncAccept in flight for srv, re-arming
// itself from its own callback once each connection is accepted.
func armAccept(el *eventloop.EventLoop, srv *socket.ServerSocket) {
	peer := socket.NewStreamSocket(el)
	srv.AsyncAccept(peer, func(err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "[echoloop] accept error: %v\n", err)
			armAccept(el, srv)
			return
		}
		fmt.Printf("[echoloop] accepted connection (fd=%d)\n", peer.FD())
		if err := peer.SetNonBlocking(true); err != nil {
			fmt.Fprintf(os.Stderr, "[echoloop] SetNonBlocking(fd=%d): %v\n", peer.FD(), err)
			peer.Close()
		} else {
			armRecv(peer)
		}
		armAccept(el, srv)
	})
}

// armRecv keeps exactly one AsyncRecv in flight for conn, echoing whatever
// it reads and re-arming itself once the echo completes.
func armRecv(conn *socket.StreamSocket) {
	buf := make([]byte, 4096)
	conn.AsyncRecv(buf, 0, func(n int, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "[echoloop] recv error (fd=%d): %v\n", conn.FD(), err)
			conn.Close()
			return
		}
		if n == 0 {
			fmt.Printf("[echoloop] connection closed by peer (fd=%d)\n", conn.FD())
			conn.Close()
			return
		}
		armSend(conn, buf[:n])
	})
}

// armSend echoes data back to conn, resuming the recv loop once the whole
// echo has gone out. A short write re-issues AsyncSend for the remainder,
// since a single completion may cover less than len(data).
func armSend(conn *socket.StreamSocket, data []byte) {
	conn.AsyncSend(data, 0, func(n int, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "[echoloop] send error (fd=%d): %v\n", conn.FD(), err)
			conn.Close()
			return
		}
		if n < len(data) {
			armSend(conn, data[n:])
			return
		}
		armRecv(conn)
	})
}

func parseAddr(addr string) (ip [4]byte, port int, err error) {
	var a, b, c, d int
	if _, scanErr := fmt.Sscanf(addr, "%d.%d.%d.%d:%d", &a, &b, &c, &d, &port); scanErr != nil {
		return ip, 0, errors.New("address must be of the form a.b.c.d:port")
	}
	for _, octet := range []int{a, b, c, d} {
		if octet < 0 || octet > 255 {
			return ip, 0, errors.New("address octet out of range")
		}
	}
	if port < 0 || port > 65535 {
		return ip, 0, errors.New("port out of range")
	}
	ip = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	return ip, port, nil
}
