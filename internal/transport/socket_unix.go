// internal/transport/socket_unix.go
//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// x/sys/unix socket calls. Every descriptor is non-blocking and close-on-exec.

package transport

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

func socket(kind int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, kind, 0)
	if err != nil {
		return -1, fmt.Errorf("socket create: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("socket nonblock: %w", err)
	}
	return fd, nil
}

func sockaddr(a Addr) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: a.Port, Addr: a.IP}
}

func fromSockaddr(sa unix.Sockaddr) Addr {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return Addr{IP: in4.Addr, Port: in4.Port}
	}
	return Addr{}
}

// ListenTCP binds a listening socket. Port 0 picks an ephemeral port;
// the bound address is returned.
func ListenTCP(a Addr) (int, Addr, error) {
	fd, err := socket(unix.SOCK_STREAM)
	if err != nil {
		return -1, Addr{}, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sockaddr(a)); err != nil {
		_ = unix.Close(fd)
		return -1, Addr{}, fmt.Errorf("bind %s: %w", a, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, Addr{}, fmt.Errorf("listen %s: %w", a, err)
	}
	bound, err := LocalAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, Addr{}, err
	}
	return fd, bound, nil
}

// DialTCP starts a connection. When pending is true the caller waits for
// writability and then checks ConnectResult.
func DialTCP(a Addr) (fd int, pending bool, err error) {
	fd, err = socket(unix.SOCK_STREAM)
	if err != nil {
		return -1, false, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	err = unix.Connect(fd, sockaddr(a))
	switch err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("connect %s: %w", a, err)
	}
}

// ConnectResult reports the outcome of a pending DialTCP.
func ConnectResult(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("connect status: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("connect: %w", unix.Errno(code))
	}
	return nil
}

// Accept takes one pending connection off a listening socket.
func Accept(fd int) (int, Addr, error) {
	for {
		nfd, sa, err := unix.Accept(fd)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, Addr{}, ErrWouldBlock
		default:
			return -1, Addr{}, fmt.Errorf("accept: %w", err)
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			return -1, Addr{}, fmt.Errorf("accept nonblock: %w", err)
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return nfd, fromSockaddr(sa), nil
	}
}

// Read returns io.EOF once the peer has closed.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("read: %w", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write may write less than len(p); a full socket buffer yields ErrWouldBlock.
func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("write: %w", err)
		}
	}
}

// BindUDP opens a datagram socket bound to a.
func BindUDP(a Addr) (int, Addr, error) {
	fd, err := socket(unix.SOCK_DGRAM)
	if err != nil {
		return -1, Addr{}, err
	}
	if err := unix.Bind(fd, sockaddr(a)); err != nil {
		_ = unix.Close(fd)
		return -1, Addr{}, fmt.Errorf("bind %s: %w", a, err)
	}
	bound, err := LocalAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, Addr{}, err
	}
	return fd, bound, nil
}

// RecvFrom reads one datagram.
func RecvFrom(fd int, p []byte) (int, Addr, error) {
	for {
		n, sa, err := unix.Recvfrom(fd, p, 0)
		switch err {
		case nil:
			return n, fromSockaddr(sa), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, Addr{}, ErrWouldBlock
		default:
			return 0, Addr{}, fmt.Errorf("recvfrom: %w", err)
		}
	}
}

// SendTo writes one datagram.
func SendTo(fd int, p []byte, to Addr) error {
	if err := unix.Sendto(fd, p, 0, sockaddr(to)); err != nil {
		if err == unix.EAGAIN {
			return ErrWouldBlock
		}
		return fmt.Errorf("sendto %s: %w", to, err)
	}
	return nil
}

// LocalAddr returns the address a socket is bound to.
func LocalAddr(fd int) (Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Addr{}, fmt.Errorf("getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

// Close releases fd.
func Close(fd int) error { return unix.Close(fd) }
