package sqsingress

import (
	"context"
	"errors"

	mesh "github.com/hatsunemiku3939/agentmesh"
	"github.com/hatsunemiku3939/agentmesh/fault"
)

// Decision is what the consumer does with a queue message after a submit
// attempt.
type Decision struct {
	// Delete removes the message from the queue. False leaves it for the
	// queue's redrive policy.
	Delete bool
}

// AcceptPolicy maps a submit outcome to a queue decision.
type AcceptPolicy interface {
	Decide(ctx context.Context, ack mesh.Ack, err error) Decision
}

// RedrivePolicy is the default policy: accepted envelopes and structural
// rejections are deleted — a malformed or denied message never becomes
// valid by waiting — while transient engine failures are left for the
// queue to redrive.
type RedrivePolicy struct{}

// Decide implements AcceptPolicy.
func (RedrivePolicy) Decide(_ context.Context, ack mesh.Ack, err error) Decision {
	if err == nil && ack.Accepted {
		return Decision{Delete: true}
	}
	switch fault.KindOf(err) {
	case fault.KindMalformedEnvelope,
		fault.KindSchemaViolation,
		fault.KindRouteNotFound,
		fault.KindUnknownThread,
		fault.KindUnknownProfile,
		fault.KindPayloadTooLarge,
		fault.KindNoCapability:
		return Decision{Delete: true}
	}
	if errors.Is(err, mesh.ErrMailboxFull) || errors.Is(err, mesh.ErrPipelineClosed) {
		return Decision{Delete: false}
	}
	return Decision{Delete: false}
}
