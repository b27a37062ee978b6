// Package runtime defines the boundary to the wrapped conversational AI
// runtime. The pool treats the runtime as an opaque start/stop-able capability
// exposing a structured request/response channel: a request yields a stream
// of typed segments terminated by a result marker.
//
// The canonical implementation (ProcessLauncher) spawns one isolated local
// process per worker and exchanges newline-delimited JSON over stdio.
// API-backed alternatives live in the runtime/anthropic and runtime/openai
// subpackages for deployments without a local runtime binary.
package runtime
