package agentmesh

import "log/slog"

// PipelineOption configures a Pipeline at construction time.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithNamespace pins the schema family URI every envelope must carry.
func WithNamespace(namespace string) PipelineOption {
	return func(p *Pipeline) { p.namespace = namespace }
}

// WithMaxPayload caps payload bytes for inbound envelopes and handler
// outputs alike.
func WithMaxPayload(bytes int) PipelineOption {
	return func(p *Pipeline) { p.maxPayload = bytes }
}

// RepairFunc is the optional idempotent repair hook applied to inbound
// payloads before request schema validation. It must not change payload
// semantics and never applies to handler outputs.
type RepairFunc func(payloadTag string, payload []byte) ([]byte, bool)

// WithRepair installs the repair hook.
func WithRepair(repair RepairFunc) PipelineOption {
	return func(p *Pipeline) { p.repair = repair }
}

// WithMailboxDepth sets the per-thread FIFO queue depth.
func WithMailboxDepth(depth int) PipelineOption {
	return func(p *Pipeline) {
		if depth > 0 {
			p.mailboxDepth = depth
		}
	}
}
