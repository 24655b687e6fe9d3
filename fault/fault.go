// Package fault defines the structured failure variants surfaced by the
// pipeline. Every user-visible failure carries a kind, a message and an
// optional path; ad-hoc error strings never cross a package boundary.
package fault

import "fmt"

// Kind classifies where in the pipeline a failure occurred.
type Kind string

const (
	// KindNone indicates no failure.
	KindNone Kind = ""
	// KindMalformedEnvelope indicates a structurally invalid envelope.
	KindMalformedEnvelope Kind = "malformed_envelope"
	// KindSchemaViolation indicates an inbound payload failed its request schema.
	KindSchemaViolation Kind = "schema_violation"
	// KindRouteNotFound indicates the active profile has no route for the tag.
	// This is a structural denial, not a recoverable error.
	KindRouteNotFound Kind = "route_not_found"
	// KindUnknownThread indicates the envelope names a thread the table does not hold.
	KindUnknownThread Kind = "unknown_thread"
	// KindUnknownProfile indicates the envelope names an unrecognized profile.
	KindUnknownProfile Kind = "unknown_profile"
	// KindResponseSchemaViolation indicates a handler output failed the
	// producing handler's declared response schema.
	KindResponseSchemaViolation Kind = "response_schema_violation"
	// KindPrivilegeEscalation indicates a spawn requested a profile that is
	// not a subset of its parent's.
	KindPrivilegeEscalation Kind = "privilege_escalation"
	// KindPayloadTooLarge indicates a payload exceeded the configured maximum.
	KindPayloadTooLarge Kind = "payload_too_large"
	// KindTimeout indicates a dispatched handler exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindIterationCapExceeded indicates an agent thread reached max_iterations.
	KindIterationCapExceeded Kind = "iteration_cap_exceeded"
	// KindFormFillFailed indicates the form-filler ladder was exhausted.
	KindFormFillFailed Kind = "form_fill_failed"
	// KindNoCapability indicates profile masking left no routable candidate.
	KindNoCapability Kind = "no_capability"
	// KindCorruptedWal indicates WAL replay hit interior corruption. Fatal.
	KindCorruptedWal Kind = "corrupted_wal"
	// KindCheckpointInconsistent indicates a checkpoint failed to restore. Fatal.
	KindCheckpointInconsistent Kind = "checkpoint_inconsistent"
)

// Error is the structured failure value propagated through the pipeline.
type Error struct {
	Kind    Kind
	Message string
	Path    string
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// At returns a copy of the error annotated with a path.
func (e *Error) At(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the Kind from err, or KindNone when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindNone
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError unwraps err to an *Error when possible.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Fatal reports whether the kind refuses pipeline startup.
func Fatal(kind Kind) bool {
	return kind == KindCorruptedWal || kind == KindCheckpointInconsistent
}
