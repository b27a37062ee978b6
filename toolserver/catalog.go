package toolserver

import "github.com/hupe1980/agentpool/core"

// ServerSpec describes how to launch and share one tool-server capability.
type ServerSpec struct {
	Capability core.Capability
	Command    string
	Args       []string

	// Shared servers accept attachments from many workers up to
	// MaxAttachments. Non-shared servers are dedicated: one private
	// instance per attaching worker.
	Shared         bool
	MaxAttachments int

	// RequiredCredentials names the credentials that must be present for
	// the capability to be available at all. Availability is computed once
	// at connector startup. Each name doubles as the environment variable
	// passed to the server process.
	RequiredCredentials []string
}

// catalog maps each capability to its launch spec. Servers are the reference
// implementations from the Model Context Protocol server collection; all run
// over stdio via npx.
var catalog = map[core.Capability]ServerSpec{
	core.CapabilityFilesystem: {
		Capability:     core.CapabilityFilesystem,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-filesystem", "."},
		Shared:         true,
		MaxAttachments: 50,
	},
	core.CapabilityMemory: {
		Capability:     core.CapabilityMemory,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-memory"},
		Shared:         true,
		MaxAttachments: 100,
	},
	core.CapabilityThinking: {
		Capability:     core.CapabilityThinking,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-sequential-thinking"},
		Shared:         true,
		MaxAttachments: 50,
	},
	core.CapabilityGit: {
		Capability:     core.CapabilityGit,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-git"},
		Shared:         true,
		MaxAttachments: 20,
	},
	core.CapabilityGitHub: {
		Capability:          core.CapabilityGitHub,
		Command:             "npx",
		Args:                []string{"-y", "@modelcontextprotocol/server-github"},
		Shared:              true,
		MaxAttachments:      10,
		RequiredCredentials: []string{"GITHUB_PERSONAL_ACCESS_TOKEN"},
	},
	core.CapabilityPostgres: {
		Capability:          core.CapabilityPostgres,
		Command:             "npx",
		Args:                []string{"-y", "@modelcontextprotocol/server-postgres"},
		Shared:              true,
		MaxAttachments:      20,
		RequiredCredentials: []string{"POSTGRES_CONNECTION_STRING"},
	},
	core.CapabilitySQLite: {
		Capability:     core.CapabilitySQLite,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-sqlite"},
		Shared:         true,
		MaxAttachments: 10,
	},
	core.CapabilitySearch: {
		Capability:          core.CapabilitySearch,
		Command:             "npx",
		Args:                []string{"-y", "@modelcontextprotocol/server-brave-search"},
		Shared:              true,
		MaxAttachments:      50,
		RequiredCredentials: []string{"BRAVE_API_KEY"},
	},
	core.CapabilitySlack: {
		Capability:          core.CapabilitySlack,
		Command:             "npx",
		Args:                []string{"-y", "@modelcontextprotocol/server-slack"},
		Shared:              true,
		MaxAttachments:      10,
		RequiredCredentials: []string{"SLACK_BOT_TOKEN"},
	},
	core.CapabilityDrive: {
		Capability:     core.CapabilityDrive,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-gdrive"},
		Shared:         true,
		MaxAttachments: 10,
	},
	core.CapabilityBrowser: {
		// Each worker gets its own browser instance.
		Capability:     core.CapabilityBrowser,
		Command:        "npx",
		Args:           []string{"-y", "@modelcontextprotocol/server-puppeteer"},
		Shared:         false,
		MaxAttachments: 1,
	},
}

// SpecFor returns the launch spec for a capability.
func SpecFor(c core.Capability) (ServerSpec, bool) {
	spec, ok := catalog[c]
	return spec, ok
}

// Capabilities returns all capabilities the catalog knows how to launch.
func Capabilities() []core.Capability {
	caps := make([]core.Capability, 0, len(catalog))
	for c := range catalog {
		caps = append(caps, c)
	}
	return caps
}
