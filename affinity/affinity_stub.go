//go:build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>

package affinity

import (
	"fmt"

	"github.com/momentics/hioload-mrcp/api"
)

func setAffinityPlatform(int) error {
	return fmt.Errorf("affinity: %w", api.ErrNotSupported)
}
