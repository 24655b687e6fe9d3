package agentmesh

import "github.com/hatsunemiku3939/agentmesh/fault"

// ResponseKind enumerates the closed set of handler response variants.
type ResponseKind int

const (
	// ResponseReply addresses one output back to the original sender.
	ResponseReply ResponseKind = iota
	// ResponseSend addresses one output to a named handler.
	ResponseSend
	// ResponseBroadcast addresses multiple outputs to named handlers.
	ResponseBroadcast
	// ResponseSilence produces no output; the engine acknowledges the sender.
	ResponseSilence
	// ResponseError reports a structured handler failure to the sender.
	ResponseError
)

// Output is one addressed handler output awaiting response validation.
type Output struct {
	// Target is the destination handler name. Empty for Reply outputs,
	// where the engine substitutes the original sender.
	Target string
	Tag    string
	Bytes  []byte
}

// Response is the tagged variant a handler returns from Handle. Exactly one
// shape is populated according to Kind.
type Response struct {
	Kind     ResponseKind
	Outputs  []Output
	ErrKind  fault.Kind
	ErrMsg   string
}

// Reply returns an output addressed to the original sender.
func Reply(tag string, payload []byte) Response {
	return Response{Kind: ResponseReply, Outputs: []Output{{Tag: tag, Bytes: payload}}}
}

// Send returns an output addressed to a named handler.
func Send(target, tag string, payload []byte) Response {
	return Response{Kind: ResponseSend, Outputs: []Output{{Target: target, Tag: tag, Bytes: payload}}}
}

// Broadcast returns multiple addressed outputs.
func Broadcast(outputs ...Output) Response {
	return Response{Kind: ResponseBroadcast, Outputs: outputs}
}

// Silence returns no output; the engine synthesizes an Ack to the sender.
func Silence() Response {
	return Response{Kind: ResponseSilence}
}

// Errorf returns a structured handler failure.
func Errorf(kind fault.Kind, format string, args ...any) Response {
	e := fault.New(kind, format, args...)
	return Response{Kind: ResponseError, ErrKind: e.Kind, ErrMsg: e.Message}
}
