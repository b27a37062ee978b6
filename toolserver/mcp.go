package toolserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is one live connection to a tool-server process. Ping doubles as
// the application level health probe.
type Session interface {
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes sessions for catalog entries. The connector holds
// exactly one Dialer; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, spec ServerSpec, env map[string]string) (Session, error)
}

// MCPDialer launches tool-server processes and speaks the Model Context
// Protocol to them over stdio.
type MCPDialer struct {
	impl *mcp.Implementation
}

// NewMCPDialer creates a dialer identifying itself with the given client name
// and version.
func NewMCPDialer(name, version string) *MCPDialer {
	return &MCPDialer{impl: &mcp.Implementation{Name: name, Version: version}}
}

// Dial implements Dialer. The server command inherits the parent environment
// plus the spec's credential variables.
func (d *MCPDialer) Dial(ctx context.Context, spec ServerSpec, env map[string]string) (Session, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	client := mcp.NewClient(d.impl, nil)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s tool server: %w", spec.Capability, err)
	}

	return &mcpSession{session: session}, nil
}

type mcpSession struct {
	session *mcp.ClientSession
}

func (s *mcpSession) Ping(ctx context.Context) error {
	return s.session.Ping(ctx, nil)
}

func (s *mcpSession) Close() error {
	return s.session.Close()
}
