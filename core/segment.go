package core

import "strings"

// Segment represents one typed unit of a runtime response stream. Concrete
// segment types implement the unexported isSegment marker enabling a closed
// set.
type Segment interface{ isSegment() }

// TextSegment is a plain text response segment.
type TextSegment struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

// isSegment implements the Segment interface for TextSegment.
func (TextSegment) isSegment() {}

// ToolUseSegment reports a tool invocation performed by the runtime. It is
// informational: the runtime executes the tool itself, the pool only observes.
type ToolUseSegment struct {
	ID        string // Runtime-assigned invocation id
	Name      string // Tool name
	Arguments string // Serialized argument payload
}

// isSegment implements the Segment interface for ToolUseSegment.
func (ToolUseSegment) isSegment() {}

// ResultSegment is the terminal marker of a response stream. No segments
// follow it.
type ResultSegment struct {
	DurationMS int64 // Total wall time reported by the runtime
	Turns      int   // Conversation turns consumed
	IsError    bool  // Whether the runtime reported a failure
	Detail     string
}

// isSegment implements the Segment interface for ResultSegment.
func (ResultSegment) isSegment() {}

// CollectText concatenates all text-bearing segments preserving arrival
// order. Absence of any extractable text yields an empty string, never a
// placeholder.
func CollectText(segments []Segment) string {
	var sb strings.Builder
	for _, s := range segments {
		if ts, ok := s.(TextSegment); ok {
			sb.WriteString(ts.Text)
		}
	}
	return sb.String()
}
