// Package manager coordinates executions on this node. It is structured into
// small files by concern:
//
//   - manager.go: core Manager type, per-task pools, drain and cleanup.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - admission.go: node-wide concurrency limiter.
//   - execute.go: Execute (sync and async), artifact/task resolution, result mapping.
//   - status.go: execution status, cancellation and statistics.
//   - api.go: artifact and task operations returning API types.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors.
//
// Lock order: Manager.mu, then a pool's lock. Artifact and task managers
// are never called with Manager.mu held.
package manager
