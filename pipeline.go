package agentmesh

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/journal"
	"github.com/hatsunemiku3939/agentmesh/pkg/jsonschema"
	"github.com/hatsunemiku3939/agentmesh/profile"
	"github.com/hatsunemiku3939/agentmesh/thread"
)

// envelopeSchemaRef is the registry ref the wire envelope schema is
// compiled under.
const envelopeSchemaRef = "mesh/envelope"

// reservedTagPrefix guards the engine's synthesized tags: envelopes
// carrying a reserved tag are rejected at submission, so only the engine
// itself can originate them.
const reservedTagPrefix = "mesh."

// defaultMaxPayload caps payloads when no cap is configured.
const defaultMaxPayload = 8 << 20

// Pipeline is the envelope dispatch engine. It drives every envelope
// through the ordered stage sequence — structural validation, request
// schema validation, security check, dispatch, response classification,
// response schema validation, re-entry — and guarantees FIFO dispatch
// order within a thread. Handler outputs re-enter as untrusted bytes.
type Pipeline struct {
	registry *Registry
	schemas  *jsonschema.Registry
	profiles *profile.Resolver
	threads  *thread.Table
	jnl      *journal.Journal

	namespace    string
	maxPayload   int
	mailboxDepth int
	repair       RepairFunc
	log          *slog.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	subs      map[string]chan Envelope
	closed    bool
	wg        sync.WaitGroup
}

// NewPipeline assembles a dispatch engine over frozen registries. The
// envelope schema is compiled into the schema registry if absent and the
// registry is not yet frozen; a frozen registry without it is left as it
// is, and ParseEnvelope over that registry reports an unknown schema.
func NewPipeline(
	registry *Registry,
	schemas *jsonschema.Registry,
	profiles *profile.Resolver,
	threads *thread.Table,
	jnl *journal.Journal,
	opts ...PipelineOption,
) (*Pipeline, error) {
	p := &Pipeline{
		registry:     registry,
		schemas:      schemas,
		profiles:     profiles,
		threads:      threads,
		jnl:          jnl,
		maxPayload:   defaultMaxPayload,
		mailboxDepth: 256,
		log:          slog.Default(),
		mailboxes:    make(map[string]*mailbox),
		subs:         make(map[string]chan Envelope),
	}
	for _, opt := range opts {
		opt(p)
	}
	if !schemas.Has(envelopeSchemaRef) {
		err := schemas.Compile(envelopeSchemaRef, EnvelopeSchema)
		if err != nil && !errors.Is(err, jsonschema.ErrFrozen) {
			return nil, err
		}
	}
	return p, nil
}

// Subscribe registers an external sender (a UI, a network bridge) to
// receive envelopes addressed to it: replies, synthesized acks and
// errors. One subscription per sender name.
func (p *Pipeline) Subscribe(sender string) <-chan Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.subs[sender]
	if !ok {
		ch = make(chan Envelope, 64)
		p.subs[sender] = ch
	}
	return ch
}

// Submit drives an envelope through stages 1–3 synchronously and, when
// accepted, queues it in FIFO order on its thread's mailbox for dispatch.
// The returned error, if any, is a *fault.Error carrying the rejection
// kind from the error table.
func (p *Pipeline) Submit(ctx context.Context, env Envelope) (Ack, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Ack{}, ErrPipelineClosed
	}

	// Stage 1: structural validation.
	if ferr := env.validate(); ferr != nil {
		return Ack{}, ferr
	}
	if p.namespace != "" && env.Namespace != p.namespace {
		return Ack{}, fault.New(fault.KindMalformedEnvelope, "namespace %q not accepted", env.Namespace).At("namespace")
	}
	if strings.HasPrefix(env.PayloadTag, reservedTagPrefix) {
		return Ack{}, fault.New(fault.KindMalformedEnvelope, "reserved tag %q", env.PayloadTag).At("payloadTag")
	}
	if !p.profiles.Has(env.Profile) {
		return Ack{}, fault.New(fault.KindUnknownProfile, "profile %q", env.Profile)
	}
	th, ok := p.threads.Get(env.ThreadID)
	if !ok {
		return Ack{}, fault.New(fault.KindUnknownThread, "thread %q", env.ThreadID)
	}
	if th.State.Terminal() {
		return Ack{}, fault.New(fault.KindUnknownThread, "thread %q is %s", env.ThreadID, th.State)
	}
	if th.Profile != env.Profile {
		return Ack{}, fault.New(fault.KindMalformedEnvelope,
			"profile %q does not match thread profile %q", env.Profile, th.Profile).At("profile")
	}
	if len(env.Payload) > p.maxPayload {
		return Ack{}, fault.New(fault.KindPayloadTooLarge, "payload is %d bytes, cap %d", len(env.Payload), p.maxPayload)
	}

	// Stage 2: request schema validation, after optional repair.
	env2, ferr := p.validateRequest(env, true)
	if ferr != nil {
		p.journalViolation(env, env.Sender, ferr)
		return Ack{}, ferr
	}

	// Stage 3: security check against the profile's closed-world table.
	handler, routed, err := p.profiles.Resolve(env2.Profile, env2.PayloadTag)
	if err != nil {
		return Ack{}, err
	}
	if !routed {
		return Ack{}, p.denyRoute(env2)
	}
	if _, _, ok := p.registry.ByName(handler); !ok {
		// A profile routing to an unregistered handler is a broken build;
		// structurally there is still no one to dispatch to.
		return Ack{}, p.denyRoute(env2)
	}

	ack := Ack{ID: uuid.NewString(), ThreadID: env2.ThreadID, Accepted: true}
	if err := p.enqueue(ctx, delivery{env: env2, handler: handler}); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// validateRequest runs the repair hook and request schema for the tag, if
// one is registered. Returns the (possibly repaired) envelope to dispatch.
// Repair never applies to handler outputs, so re-entrant envelopes pass
// allowRepair = false.
func (p *Pipeline) validateRequest(env Envelope, allowRepair bool) (Envelope, *fault.Error) {
	_, reg, registered := p.registry.ByTag(env.PayloadTag)
	if !registered {
		return env, nil
	}
	ref := reg.RequestSchemaRefs[env.PayloadTag]
	if ref == "" {
		return env, nil
	}
	payload := env.Payload
	if allowRepair && p.repair != nil {
		if repaired, changed := p.repair(env.PayloadTag, payload); changed {
			payload = repaired
		}
	}
	if err := p.schemas.Validate(ref, payload); err != nil {
		return env, schemaFault(fault.KindSchemaViolation, err)
	}
	env.Payload = payload
	return env, nil
}

// denyRoute journals and audit-logs a structural denial.
func (p *Pipeline) denyRoute(env Envelope) *fault.Error {
	ferr := fault.New(fault.KindRouteNotFound,
		"profile %q has no route for tag %q", env.Profile, env.PayloadTag)
	p.log.Warn("audit: route denied",
		slog.String("profile", env.Profile),
		slog.String("tag", env.PayloadTag),
		slog.String("sender", env.Sender),
		slog.String("thread", env.ThreadID))
	p.journalViolation(env, env.Sender, ferr)
	return ferr
}

// journalViolation records a rejected envelope. Journal failures here are
// logged, not propagated: the rejection itself already carries the fault.
func (p *Pipeline) journalViolation(env Envelope, producer string, ferr *fault.Error) {
	retention, err := p.profiles.Retention(env.Profile)
	if err != nil {
		retention = journal.RetentionPolicy{Mode: journal.RetainForever}
	}
	_, err = p.jnl.Append(journal.Entry{
		ThreadID:    env.ThreadID,
		Direction:   journal.Inbound,
		Handler:     producer,
		PayloadTag:  env.PayloadTag,
		PayloadHash: journal.Hash(env.Payload),
		Retention:   retention,
		Annotation:  string(ferr.Kind) + ": " + ferr.Message,
	})
	if err != nil {
		p.log.Error("journal violation entry failed", slog.Any("error", err))
	}
}

func schemaFault(kind fault.Kind, err error) *fault.Error {
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		v := verr.First()
		return fault.New(kind, "%s", v.Reason).At(v.Path)
	}
	return fault.New(kind, "%v", err)
}

// Close stops accepting submissions, drains the mailboxes, and waits for
// in-flight handlers.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, mb := range p.mailboxes {
		mb.close()
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.mu.Lock()
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = make(map[string]chan Envelope)
	p.mu.Unlock()
}
