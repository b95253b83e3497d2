// Package localmode answers SPEC_FULL.md's local-mode open question: a
// single-process deployment runs the worker's session manager and pool
// directly in front of the HTTP handlers, with no coordinator hop and no
// Redis dependency. It is exactly the "standalone" WORKER_ID path the
// worker binary already takes when WORKERS is unset — this package just
// documents and names that path so cmd/sandboxd-worker doesn't need a
// runtime branch to support it.
package localmode

import "github.com/ocx/sandboxd/internal/config"

// IsStandalone reports whether this process should run without a
// coordinator in front of it: no WORKERS list configured means nothing
// routes to it but direct clients.
func IsStandalone(cfg *config.Config) bool {
	return len(cfg.Workers) == 0
}
