// Package worker implements the handle that owns one isolated worker: its
// runtime process, its tool-server attachments and its lifecycle state
// machine. Each handle runs its own background health and idle loops, so a
// large pool never depends on a central sweeper scanning every worker.
package worker
