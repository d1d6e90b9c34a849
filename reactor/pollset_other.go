//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd,!dragonfly

// File: reactor/pollset_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"errors"

	"github.com/momentics/hioload-mrcp/api"
)

func newBackend(int) (backend, error) {
	return nil, errors.Join(errors.New("reactor: this platform is not supported"), api.ErrNotSupported)
}
