// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, diagnostics and debug introspection layer for hioload-mrcp.
//
// Provides:
//   - TOML configuration with defaults and file overlays
//   - OpenTelemetry counters and invariant-violation span events
//   - Debug probe registration and hot-reload hooks
package control
