// internal/transport/socket_other.go
//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd,!dragonfly

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "github.com/momentics/hioload-mrcp/api"

func ListenTCP(a Addr) (int, Addr, error) { return -1, Addr{}, api.ErrNotSupported }

func DialTCP(a Addr) (int, bool, error) { return -1, false, api.ErrNotSupported }

func ConnectResult(fd int) error { return api.ErrNotSupported }

func Accept(fd int) (int, Addr, error) { return -1, Addr{}, api.ErrNotSupported }

func Read(fd int, p []byte) (int, error) { return 0, api.ErrNotSupported }

func Write(fd int, p []byte) (int, error) { return 0, api.ErrNotSupported }

func BindUDP(a Addr) (int, Addr, error) { return -1, Addr{}, api.ErrNotSupported }

func RecvFrom(fd int, p []byte) (int, Addr, error) { return 0, Addr{}, api.ErrNotSupported }

func SendTo(fd int, p []byte, to Addr) error { return api.ErrNotSupported }

func LocalAddr(fd int) (Addr, error) { return Addr{}, api.ErrNotSupported }

func Close(fd int) error { return api.ErrNotSupported }
