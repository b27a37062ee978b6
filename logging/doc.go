// Package logging provides a minimal logging interface and adapters for AgentPool.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the registry, workers and autoscaler use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - PoolLogger with lifecycle, tool-server and scaling helpers
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	pool := agentpool.New(func(o *agentpool.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
