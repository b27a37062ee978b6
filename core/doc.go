// Package core provides the foundational domain types shared across the
// AgentPool packages. It defines the core abstractions for:
//
//   - Worker states and the legal lifecycle transitions between them
//   - Worker types and their type profiles (instructions, allowed tools,
//     interaction policy, required/optional tool-server capabilities)
//   - Response segments (the structured output units of the wrapped runtime)
//   - The error taxonomy surfaced to transport layers
//   - Snapshots exported for observability
//
// The package intentionally keeps implementation concerns (process handling,
// registry orchestration, scaling policy) out of scope, exposing small types
// so higher packages can depend on a stable vocabulary.
package core
