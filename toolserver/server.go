package toolserver

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentpool/core"
)

// ServerStatus describes the lifecycle state of one tool-server entry.
type ServerStatus int

const (
	// StatusStarting means the server process is being launched.
	StatusStarting ServerStatus = iota
	// StatusRunning means the server accepts new attachments.
	StatusRunning
	// StatusUnhealthy means the server failed a health probe. Attached
	// workers keep their sessions; new provisioning excludes the entry
	// until it recovers.
	StatusUnhealthy
	// StatusStopped means the server has been torn down.
	StatusStopped
)

// String returns the string representation of the server status.
func (s ServerStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server is one pool entry: a running tool-server instance plus the
// bookkeeping set of attached worker ids. The attachment set is a
// back-reference only; workers never own the entry.
type Server struct {
	id        string
	spec      ServerSpec
	createdAt time.Time

	// ready is closed once the initial dial settled, successfully or not;
	// dialErr carries the failure for attachers that arrived mid-dial.
	ready   chan struct{}
	dialErr error

	mu          sync.Mutex
	status      ServerStatus
	session     Session
	attachments map[string]struct{}
	idleSince   time.Time
}

func newServer(spec ServerSpec) *Server {
	return &Server{
		id:          core.NewID(),
		spec:        spec,
		createdAt:   time.Now(),
		ready:       make(chan struct{}),
		status:      StatusStarting,
		attachments: map[string]struct{}{},
	}
}

// ID returns the server's unique identifier.
func (s *Server) ID() string { return s.id }

// Capability returns the capability this server provides.
func (s *Server) Capability() core.Capability { return s.spec.Capability }

// attach registers a worker. It fails with core.ErrPoolFull at the
// attachment ceiling and rejects servers that are no longer provisionable.
func (s *Server) attach(workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusUnhealthy || s.status == StatusStopped {
		return &unavailableError{capability: s.spec.Capability, status: s.status}
	}
	if len(s.attachments) >= s.spec.MaxAttachments {
		return core.ErrPoolFull
	}

	s.attachments[workerID] = struct{}{}
	s.idleSince = time.Time{}
	return nil
}

// detach unregisters a worker and reports the remaining attachment count.
// The zero-attachment instant is recorded for the reaper.
func (s *Server) detach(workerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attachments, workerID)
	if len(s.attachments) == 0 {
		s.idleSince = time.Now()
	}
	return len(s.attachments)
}

func (s *Server) attached(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attachments[workerID]
	return ok
}

// reapable reports whether the server has sat with zero attachments for
// longer than the idle window.
func (s *Server) reapable(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attachments) == 0 && !s.idleSince.IsZero() && time.Since(s.idleSince) > window
}

func (s *Server) setSession(session Session) {
	s.mu.Lock()
	s.session = session
	s.status = StatusRunning
	s.mu.Unlock()

	close(s.ready)
}

// failDial records the dial failure and releases any attachers waiting on
// the outcome.
func (s *Server) failDial(err error) {
	s.dialErr = err
	close(s.ready)
}

// awaitReady blocks until the initial dial settled and returns its outcome.
func (s *Server) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.dialErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) currentSession() (Session, ServerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.status
}

func (s *Server) setStatus(status ServerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// close tears the server down. Safe to call more than once.
func (s *Server) close() error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.status = StatusStopped
	s.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

// Snapshot returns the externally observable view of the server.
func (s *Server) Snapshot() core.ServerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := core.ServerSnapshot{
		ID:              s.id,
		Capability:      s.spec.Capability,
		Status:          s.status.String(),
		CreatedAt:       s.createdAt,
		AttachmentCount: len(s.attachments),
	}
	for id := range s.attachments {
		snap.Attachments = append(snap.Attachments, id)
	}
	if !s.idleSince.IsZero() {
		idle := s.idleSince
		snap.IdleSince = &idle
	}
	return snap
}

// unavailableError reports a provisioning attempt against an entry that is
// excluded from new attachments.
type unavailableError struct {
	capability core.Capability
	status     ServerStatus
}

func (e *unavailableError) Error() string {
	return "agentpool: tool server " + string(e.capability) + " is " + e.status.String()
}
