// Package log provides per-component scoped loggers on top of istio.io/pkg/log,
// the same logging stack the rest of the istio-ecosystem tooling uses.
package log

import "istio.io/pkg/log"

// Scopes used across the server. Each component gets its own scope so that
// verbosity can be tuned independently, e.g. `--log_output_level=document:debug`.
var (
	Conn      = log.RegisterScope("conn", "connection lifecycle and framing", 0)
	Registry  = log.RegisterScope("registry", "connection registry", 0)
	Security  = log.RegisterScope("security", "rate limiting and access control", 0)
	Document  = log.RegisterScope("document", "per-document LWW state machine", 0)
	Sync      = log.RegisterScope("sync", "sync coordinator", 0)
	Batch     = log.RegisterScope("batch", "delta batching scheduler", 0)
	Ack       = log.RegisterScope("ack", "ack tracker", 0)
	Awareness = log.RegisterScope("awareness", "presence/awareness manager", 0)
	Server    = log.RegisterScope("server", "orchestrator and transport", 0)
	Storage   = log.RegisterScope("storage", "storage adapter shim", 0)
)

// Configure applies istio.io/pkg/log's default options (text encoding,
// info level, stderr output) so cmd/syncmesh-server gets the same console
// log shape the teacher's binaries produce without pulling in its
// command-line log flags.
func Configure() error {
	return log.Configure(log.DefaultOptions())
}
