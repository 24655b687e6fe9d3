package profile

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/journal"
)

var (
	ErrDuplicateProfile = errors.New("duplicate profile")
	ErrBadAllowlist     = errors.New("bad network allowlist entry")
)

// Resolver answers route lookups over an immutable profile set constructed
// once from the organism configuration.
type Resolver struct {
	profiles map[string]*Profile
}

// NewResolver builds a resolver, validating each profile. Duplicate names,
// empty tables entries, malformed allowlist entries, and invalid retention
// policies are configuration errors.
func NewResolver(profiles []Profile) (*Resolver, error) {
	r := &Resolver{profiles: make(map[string]*Profile, len(profiles))}
	for i := range profiles {
		p := profiles[i]
		if p.Name == "" {
			return nil, errors.New("profile: empty name")
		}
		if _, dup := r.profiles[p.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateProfile, p.Name)
		}
		for tag, handler := range p.Table {
			if tag == "" || handler == "" {
				return nil, fmt.Errorf("profile %q: empty route %q -> %q", p.Name, tag, handler)
			}
		}
		for _, entry := range p.NetworkAllowlist {
			if _, _, err := net.SplitHostPort(entry); err != nil {
				return nil, fmt.Errorf("%w: profile %q: %q", ErrBadAllowlist, p.Name, entry)
			}
		}
		if err := p.Retention.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		r.profiles[p.Name] = &p
	}
	return r, nil
}

// Get returns a profile by name.
func (r *Resolver) Get(name string) (*Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return nil, fault.New(fault.KindUnknownProfile, "profile %q", name)
	}
	return p, nil
}

// Has reports whether a profile exists.
func (r *Resolver) Has(name string) bool {
	_, ok := r.profiles[name]
	return ok
}

// Resolve returns the handler permitted for a tag within a profile, or
// false when the profile has no route for the tag.
func (r *Resolver) Resolve(profileName, tag string) (string, bool, error) {
	p, err := r.Get(profileName)
	if err != nil {
		return "", false, err
	}
	handler, ok := p.Table[tag]
	return handler, ok, nil
}

// IsPermitted reports whether a profile routes any tag to the handler.
func (r *Resolver) IsPermitted(profileName, handler string) (bool, error) {
	p, err := r.Get(profileName)
	if err != nil {
		return false, err
	}
	return p.permits(handler), nil
}

// Retention returns the journal retention policy of a profile.
func (r *Resolver) Retention(profileName string) (journal.RetentionPolicy, error) {
	p, err := r.Get(profileName)
	if err != nil {
		return journal.RetentionPolicy{}, err
	}
	return p.Retention, nil
}

// Timeout returns the dispatch deadline of a profile. Zero means none.
func (r *Resolver) Timeout(profileName string) (time.Duration, error) {
	p, err := r.Get(profileName)
	if err != nil {
		return 0, err
	}
	return p.DispatchTimeout, nil
}

// Subset reports whether child's dispatch table is contained in parent's:
// every route of child maps the same tag to the same handler in parent.
// Used by thread spawn to enforce profile monotonicity.
func (r *Resolver) Subset(childName, parentName string) (bool, error) {
	child, err := r.Get(childName)
	if err != nil {
		return false, err
	}
	parent, err := r.Get(parentName)
	if err != nil {
		return false, err
	}
	for tag, handler := range child.Table {
		if parent.Table[tag] != handler {
			return false, nil
		}
	}
	return true, nil
}

// Names returns all profile names.
func (r *Resolver) Names() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	return out
}
