// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Reloader re-reads the configuration file and hands the result to registered
// hooks. Hooks run synchronously in registration order.

package control

import (
	"context"
	"sync"
)

// Reloader owns the config path and the reload hooks.
type Reloader struct {
	mu    sync.Mutex
	path  string
	hooks []func(*Config)
}

// NewReloader binds a reloader to path.
func NewReloader(path string) *Reloader {
	return &Reloader{path: path}
}

// OnReload registers a hook receiving each freshly loaded config.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Reload loads the file and dispatches it. A decode error leaves hooks untouched.
func (r *Reloader) Reload(ctx context.Context) (*Config, error) {
	cfg, err := Load(ctx, r.path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	hooks := append([]func(*Config){}, r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}
	return cfg, nil
}
