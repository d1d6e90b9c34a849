// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// CPU pinning for latency-sensitive task goroutines. The goroutine is locked
// to its OS thread and the thread is restricted to one logical CPU.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-mrcp/api"
)

// Pin locks the calling goroutine to its thread and binds the thread to cpu.
// The lock is never released: when the goroutine exits the runtime discards
// the thread together with its mask.
func Pin(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("cpu %d: %w", cpu, api.ErrInvalidArgument)
	}
	runtime.LockOSThread()
	if err := setAffinityPlatform(cpu); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	return nil
}
