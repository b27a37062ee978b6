// Package toolserver manages the shared pool of external tool servers that
// workers borrow capabilities from. Servers are created lazily on first
// demand, shared up to a per-capability attachment ceiling, probed for
// health, and reaped after sitting idle with no attachments. Connections
// speak the Model Context Protocol over stdio.
package toolserver
