// Package profile holds the named security contexts and the resolver that
// is the single source of structural security. Dispatch tables are closed
// world: no wildcard, no fallback, no dynamic registration. A tag absent
// from a profile's table has no code path to any handler.
package profile

import (
	"time"

	"github.com/hatsunemiku3939/agentmesh/journal"
)

// Profile is a named security context. Static for the lifetime of a
// pipeline instance; a reload produces a new generation and never touches
// running threads.
type Profile struct {
	Name string
	// Table maps payload tag to the one handler permitted for it. The
	// resolution order across multiple handlers for one tag is
	// under-specified, so that shape is rejected when the table is built.
	Table            map[string]string
	NetworkAllowlist []string
	Retention        journal.RetentionPolicy
	Identity         string
	DispatchTimeout  time.Duration
}

// permits reports whether the profile routes any tag to the handler.
func (p *Profile) permits(handler string) bool {
	for _, h := range p.Table {
		if h == handler {
			return true
		}
	}
	return false
}

// AllowsHost reports whether host:port is on the profile's allowlist.
func (p *Profile) AllowsHost(hostport string) bool {
	for _, allowed := range p.NetworkAllowlist {
		if allowed == hostport {
			return true
		}
	}
	return false
}
