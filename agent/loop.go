package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mesh "github.com/hatsunemiku3939/agentmesh"
	"github.com/hatsunemiku3939/agentmesh/contextstore"
	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/thread"
)

// kindInferenceFailed is the handler-level error kind for a fatal model
// failure; the thread is already Failed when it is reported.
const kindInferenceFailed fault.Kind = "inference_failed"

// Phase is the per-thread agent state.
type Phase int

const (
	AwaitingTask Phase = iota
	Thinking
	AwaitingToolResults
	Done
	PhaseFailed
)

// pendingCall tracks one dispatched tool call until its response arrives.
type pendingCall struct {
	call    ToolCall
	handler string
}

type state struct {
	phase   Phase
	origin  string // sender of the task envelope; the final answer goes back to it
	history []Message
	pending []pendingCall
}

// Loop is the agent handler. It registers for its task tag and its peers'
// response tags; the engine's error notifications reach it without a
// registration for the error tag. The pipeline's per-thread FIFO
// guarantee keeps each thread's state machine single-file.
type Loop struct {
	cfg     Config
	llm     Inference
	store   *contextstore.Store
	threads *thread.Table
	log     *slog.Logger

	mu     sync.Mutex
	states map[string]*state

	byResponseTag map[string]Tool
	byToolName    map[string]Tool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// NewLoop creates an agent loop.
func NewLoop(cfg Config, llm Inference, store *contextstore.Store, threads *thread.Table, opts ...Option) (*Loop, error) {
	if cfg.TaskTag == "" || cfg.ResponseTag == "" {
		return nil, fmt.Errorf("agent %q: task and response tags are required", cfg.Name)
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("agent %q: max iterations must be positive", cfg.Name)
	}
	l := &Loop{
		cfg:           cfg,
		llm:           llm,
		store:         store,
		threads:       threads,
		log:           slog.Default(),
		states:        make(map[string]*state),
		byResponseTag: make(map[string]Tool),
		byToolName:    make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, t := range cfg.Tools {
		l.byResponseTag[t.ResponseTag] = t
		l.byToolName[t.Def.Name] = t
	}
	return l, nil
}

// Registration returns the loop's handler registration: the task tag plus
// every tool's response tag, with per-tag request schemas supplied by the
// organism.
func (l *Loop) Registration(requestSchemaRefs map[string]string, responseSchemaRef, description, semantic string) mesh.Registration {
	tags := []string{l.cfg.TaskTag}
	peers := make([]string, 0, len(l.cfg.Tools))
	for _, t := range l.cfg.Tools {
		tags = append(tags, t.ResponseTag)
		peers = append(peers, t.Handler)
	}
	return mesh.Registration{
		Name:                l.cfg.Name,
		PayloadTags:         tags,
		RequestSchemaRefs:   requestSchemaRefs,
		ResponseTag:         l.cfg.ResponseTag,
		ResponseSchemaRef:   responseSchemaRef,
		Description:         description,
		SemanticDescription: semantic,
		Peers:               peers,
	}
}

// Handle implements mesh.Handler.
func (l *Loop) Handle(ctx context.Context, payload []byte, hctx mesh.HandlerContext) mesh.Response {
	switch {
	case hctx.PayloadTag == l.cfg.TaskTag:
		return l.onTask(ctx, payload, hctx)
	case hctx.PayloadTag == mesh.ErrorTag:
		return l.onToolError(ctx, payload, hctx)
	default:
		if _, ok := l.byResponseTag[hctx.PayloadTag]; ok {
			return l.onToolResult(ctx, payload, hctx)
		}
		return mesh.Errorf(fault.KindRouteNotFound, "agent %q does not accept tag %q", l.cfg.Name, hctx.PayloadTag)
	}
}

// onTask starts the loop for a thread: AwaitingTask → Thinking.
func (l *Loop) onTask(ctx context.Context, payload []byte, hctx mesh.HandlerContext) mesh.Response {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return mesh.Errorf(fault.KindSchemaViolation, "task payload: %v", err)
	}
	if _, err := l.store.Append(ctx, hctx.ThreadID, payload, contextstore.TypeMessage); err != nil {
		l.log.Error("context append failed", slog.Any("error", err))
	}

	st := &state{phase: Thinking, origin: hctx.Sender, history: []Message{{Role: RoleUser, Content: task.Task}}}
	l.mu.Lock()
	l.states[hctx.ThreadID] = st
	l.mu.Unlock()

	return l.think(ctx, st, hctx)
}

// onToolResult feeds a tool response back: AwaitingToolResults → Thinking
// once every dispatched call has answered.
func (l *Loop) onToolResult(ctx context.Context, payload []byte, hctx mesh.HandlerContext) mesh.Response {
	st := l.state(hctx.ThreadID)
	if st == nil || st.phase != AwaitingToolResults {
		return mesh.Silence()
	}
	call, ok := l.settle(st, hctx.Sender)
	if !ok {
		l.log.Warn("tool result without pending call",
			slog.String("sender", hctx.Sender), slog.String("thread", hctx.ThreadID))
		return mesh.Silence()
	}
	if _, err := l.store.Append(ctx, hctx.ThreadID, payload, contextstore.TypeToolResult); err != nil {
		l.log.Error("context append failed", slog.Any("error", err))
	}
	st.history = append(st.history, Message{Role: RoleTool, Content: string(payload), ToolCallID: call.ID})
	if len(st.pending) > 0 {
		return mesh.Silence()
	}
	st.phase = Thinking
	return l.think(ctx, st, hctx)
}

// onToolError treats an engine error notification as a failed tool call:
// the denial is surfaced to the model, which decides how to proceed.
func (l *Loop) onToolError(ctx context.Context, payload []byte, hctx mesh.HandlerContext) mesh.Response {
	st := l.state(hctx.ThreadID)
	if st == nil || st.phase != AwaitingToolResults {
		return mesh.Silence()
	}
	var ep mesh.ErrorPayload
	if err := json.Unmarshal(payload, &ep); err != nil {
		return mesh.Silence()
	}
	call, ok := l.settle(st, ep.Handler)
	if !ok {
		// Not tied to a dispatched call; nothing to settle.
		return mesh.Silence()
	}
	st.history = append(st.history, Message{
		Role:       RoleTool,
		Content:    fmt.Sprintf(`{"error":%q,"kind":%q}`, ep.Message, ep.Kind),
		ToolCallID: call.ID,
	})
	if len(st.pending) > 0 {
		return mesh.Silence()
	}
	st.phase = Thinking
	return l.think(ctx, st, hctx)
}

// think runs one inference iteration. The iteration counter is bumped
// durably before the model is invoked, so a crash cannot reset the cap.
func (l *Loop) think(ctx context.Context, st *state, hctx mesh.HandlerContext) mesh.Response {
	iter, err := l.threads.Bump(hctx.ThreadID)
	if err != nil {
		return mesh.Errorf(fault.KindUnknownThread, "iteration bump: %v", err)
	}
	if iter > l.cfg.MaxIterations {
		st.phase = PhaseFailed
		if err := hctx.Fail("iteration cap exceeded"); err != nil {
			l.log.Error("thread fail failed", slog.Any("error", err))
		}
		return mesh.Errorf(fault.KindIterationCapExceeded,
			"agent %q exceeded %d iterations", l.cfg.Name, l.cfg.MaxIterations)
	}

	tools := make([]ToolDef, 0, len(l.cfg.Tools))
	for _, t := range l.cfg.Tools {
		tools = append(tools, t.Def)
	}
	res, err := l.llm.Complete(ctx, Request{
		Model:     l.cfg.Model,
		System:    l.cfg.SystemPrompt,
		Messages:  st.history,
		Tools:     tools,
		MaxTokens: l.cfg.MaxTokens,
	})
	if err != nil {
		st.phase = PhaseFailed
		if ferr := hctx.Fail("inference: " + err.Error()); ferr != nil {
			l.log.Error("thread fail failed", slog.Any("error", ferr))
		}
		return mesh.Errorf(kindInferenceFailed, "inference failed: %v", err)
	}

	if len(res.ToolCalls) > 0 {
		return l.dispatchTools(ctx, st, res, hctx)
	}

	// Text-only response: Thinking → Done.
	st.phase = Done
	answer := mustMarshal(Answer{Text: res.Text})
	if _, err := l.store.Append(ctx, hctx.ThreadID, answer, contextstore.TypeMessage); err != nil {
		l.log.Error("context append failed", slog.Any("error", err))
	}
	if err := hctx.Complete(answer); err != nil {
		l.log.Error("thread complete failed", slog.Any("error", err))
	}
	return mesh.Send(st.origin, l.cfg.ResponseTag, answer)
}

// dispatchTools translates tool calls into envelopes by mechanical format
// mapping: Thinking → AwaitingToolResults.
func (l *Loop) dispatchTools(ctx context.Context, st *state, res *Result, hctx mesh.HandlerContext) mesh.Response {
	st.history = append(st.history, Message{Role: RoleAssistant, Content: res.Text, ToolCalls: res.ToolCalls})

	var outputs []mesh.Output
	for _, call := range res.ToolCalls {
		tool, known := l.byToolName[call.Tool]
		if !known {
			st.history = append(st.history, Message{
				Role:       RoleTool,
				Content:    fmt.Sprintf(`{"error":"unknown tool %q"}`, call.Tool),
				ToolCallID: call.ID,
			})
			continue
		}
		outputs = append(outputs, mesh.Output{Target: tool.Handler, Tag: tool.RequestTag, Bytes: call.Arguments})
		st.pending = append(st.pending, pendingCall{call: call, handler: tool.Handler})
	}
	if len(outputs) == 0 {
		// Every requested tool was unknown; go straight back to the model
		// with the errors in history.
		return l.think(ctx, st, hctx)
	}
	st.phase = AwaitingToolResults
	return mesh.Broadcast(outputs...)
}

// settle pops the oldest pending call addressed to the given handler.
// Per-thread FIFO dispatch makes oldest-first matching exact.
func (l *Loop) settle(st *state, handler string) (ToolCall, bool) {
	for i, pc := range st.pending {
		if pc.handler == handler {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			return pc.call, true
		}
	}
	return ToolCall{}, false
}

func (l *Loop) state(threadID string) *state {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[threadID]
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
