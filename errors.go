package agentmesh

import "errors"

var (
	ErrPipelineClosed     = errors.New("pipeline closed")
	ErrBadRegistration    = errors.New("bad handler registration")
	ErrRegistryFrozen     = errors.New("handler registry is frozen")
	ErrNoSubmitCapability = errors.New("no capability on handler context")
	ErrMailboxFull        = errors.New("thread mailbox full")
)
