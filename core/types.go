package core

import "fmt"

// WorkerType identifies a worker specialization. The set is closed: unknown
// or legacy alias strings are rejected at parse time rather than matched by
// substring, so a composite name like "research-code-hybrid" is a
// configuration error instead of a guess.
type WorkerType string

const (
	// TypeGeneral is the default general-purpose specialization.
	TypeGeneral WorkerType = "general"
	// TypeResearch is tuned for deep research across document collections.
	TypeResearch WorkerType = "research"
	// TypeCode is tuned for software development tasks.
	TypeCode WorkerType = "code"
	// TypeFinance is tuned for financial analysis.
	TypeFinance WorkerType = "finance"
	// TypeCustomerSupport is tuned for customer service tasks.
	TypeCustomerSupport WorkerType = "customer_support"
	// TypePersonalAssistant is tuned for productivity and task management.
	TypePersonalAssistant WorkerType = "personal_assistant"
	// TypeDataAnalysis is tuned for data analysis and insights.
	TypeDataAnalysis WorkerType = "data_analysis"
	// TypeCustom carries a caller-supplied profile.
	TypeCustom WorkerType = "custom"
)

// ParseWorkerType validates a worker type string against the closed set.
func ParseWorkerType(s string) (WorkerType, error) {
	t := WorkerType(s)
	if _, ok := typeProfiles[t]; !ok {
		return "", fmt.Errorf("unknown worker type %q", s)
	}
	return t, nil
}

// Capability names an external tool-server capability a worker can attach to.
type Capability string

const (
	// CapabilityFilesystem provides file read/write access.
	CapabilityFilesystem Capability = "filesystem"
	// CapabilityMemory provides a persistent key/value memory store.
	CapabilityMemory Capability = "memory"
	// CapabilityThinking provides structured sequential reasoning.
	CapabilityThinking Capability = "sequential_thinking"
	// CapabilityGit provides local git repository operations.
	CapabilityGit Capability = "git"
	// CapabilityGitHub provides GitHub API access (credential gated).
	CapabilityGitHub Capability = "github"
	// CapabilityPostgres provides Postgres access (credential gated).
	CapabilityPostgres Capability = "postgres"
	// CapabilitySQLite provides SQLite database access.
	CapabilitySQLite Capability = "sqlite"
	// CapabilitySearch provides web search (credential gated).
	CapabilitySearch Capability = "search"
	// CapabilitySlack provides Slack workspace access (credential gated).
	CapabilitySlack Capability = "slack"
	// CapabilityDrive provides Google Drive access.
	CapabilityDrive Capability = "drive"
	// CapabilityBrowser provides a dedicated headless browser per worker.
	CapabilityBrowser Capability = "browser"
)

// InteractionPolicy controls how much autonomy the wrapped runtime is given
// when executing tools on behalf of a worker.
type InteractionPolicy string

const (
	// PolicyAsk requires confirmation for every mutating action.
	PolicyAsk InteractionPolicy = "ask"
	// PolicyAcceptEdits auto-approves file edits but asks for the rest.
	PolicyAcceptEdits InteractionPolicy = "acceptEdits"
	// PolicyAcceptAll auto-approves everything.
	PolicyAcceptAll InteractionPolicy = "acceptAll"
)

// TypeProfile bundles the defaults associated with a worker specialization:
// instruction template, allowed runtime tools, interaction policy and the
// tool-server capabilities the worker attaches to on start.
type TypeProfile struct {
	Type         WorkerType
	Description  string
	Instructions string   // May contain template variables, see util.RenderTemplate
	AllowedTools []string // Runtime tool names the worker may invoke
	Policy       InteractionPolicy

	// RequiredCapabilities must provision successfully or start fails.
	RequiredCapabilities []Capability
	// OptionalCapabilities degrade silently when unavailable.
	OptionalCapabilities []Capability
}

// typeProfiles is the explicit type-to-profile lookup table.
var typeProfiles = map[WorkerType]TypeProfile{
	TypeGeneral: {
		Type:                 TypeGeneral,
		Description:          "General-purpose worker for various tasks",
		Instructions:         "You are a helpful AI assistant that can help with a wide variety of tasks.",
		AllowedTools:         []string{"Read", "Write", "Bash", "Glob", "Grep"},
		Policy:               PolicyAsk,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
	},
	TypeResearch: {
		Type:        TypeResearch,
		Description: "Deep research worker for comprehensive analysis",
		Instructions: "You are a research specialist. Conduct comprehensive research across " +
			"large document collections, synthesize information from multiple sources and " +
			"provide well-structured, evidence-based summaries. Always cite your sources.",
		AllowedTools:         []string{"Read", "Grep", "Glob", "WebSearch", "WebFetch", "Bash"},
		Policy:               PolicyAcceptEdits,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
		OptionalCapabilities: []Capability{CapabilitySearch, CapabilityBrowser, CapabilityGit},
	},
	TypeCode: {
		Type:        TypeCode,
		Description: "Code development and review worker",
		Instructions: "You are a code specialist. Write clean, maintainable code, review for " +
			"bugs and best practices, and follow project conventions. Prioritize code " +
			"quality, security and maintainability.",
		AllowedTools:         []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"},
		Policy:               PolicyAcceptEdits,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
		OptionalCapabilities: []Capability{CapabilityGit, CapabilityGitHub},
	},
	TypeFinance: {
		Type:        TypeFinance,
		Description: "Finance analysis and portfolio management worker",
		Instructions: "You are a finance specialist. Analyze portfolios and financial goals, " +
			"evaluate investments and provide data-driven insights with supporting data.",
		AllowedTools:         []string{"Read", "Write", "Bash", "WebSearch", "WebFetch"},
		Policy:               PolicyAsk,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
		OptionalCapabilities: []Capability{CapabilitySearch, CapabilityPostgres},
	},
	TypeCustomerSupport: {
		Type:        TypeCustomerSupport,
		Description: "Customer support and service worker",
		Instructions: "You are a customer support specialist. Handle ambiguous requests, " +
			"be professional, empathetic and solution-oriented, and escalate to humans " +
			"when necessary.",
		AllowedTools:         []string{"Read", "Write", "WebFetch"},
		Policy:               PolicyAsk,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
		OptionalCapabilities: []Capability{CapabilitySlack},
	},
	TypePersonalAssistant: {
		Type:        TypePersonalAssistant,
		Description: "Personal productivity and task management worker",
		Instructions: "You are a personal assistant. Manage schedules, organize tasks and " +
			"priorities and track context across applications. Be proactive, organized " +
			"and detail-oriented.",
		AllowedTools:         []string{"Read", "Write", "WebSearch", "WebFetch"},
		Policy:               PolicyAsk,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
		OptionalCapabilities: []Capability{CapabilityDrive, CapabilitySearch},
	},
	TypeDataAnalysis: {
		Type:        TypeDataAnalysis,
		Description: "Data analysis and visualization worker",
		Instructions: "You are a data analysis specialist. Analyze datasets, identify " +
			"patterns, run statistical calculations and provide clear, actionable " +
			"insights backed by data.",
		AllowedTools:         []string{"Read", "Write", "Bash", "Grep", "Glob"},
		Policy:               PolicyAcceptEdits,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
		OptionalCapabilities: []Capability{CapabilityPostgres, CapabilitySQLite},
	},
	TypeCustom: {
		Type:                 TypeCustom,
		Description:          "Custom worker with caller-defined configuration",
		Instructions:         "You are a helpful AI assistant.",
		AllowedTools:         []string{"Read", "Write", "Bash", "Glob", "Grep"},
		Policy:               PolicyAsk,
		RequiredCapabilities: []Capability{CapabilityFilesystem, CapabilityMemory, CapabilityThinking},
	},
}

// ProfileFor returns the type profile for the given worker type, falling back
// to the general profile for an unknown type. Use ParseWorkerType first when
// the type originates from external input.
func ProfileFor(t WorkerType) TypeProfile {
	if p, ok := typeProfiles[t]; ok {
		return p
	}
	return typeProfiles[TypeGeneral]
}

// WorkerTypes returns all known worker types.
func WorkerTypes() []WorkerType {
	types := make([]WorkerType, 0, len(typeProfiles))
	for t := range typeProfiles {
		types = append(types, t)
	}
	return types
}
