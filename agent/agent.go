// Package agent is the single thinker: the one component that invokes an
// LLM for reasoning. Each agent thread runs a prompt → inference → parse →
// dispatch loop; tool calls are translated into envelopes by mechanical
// format mapping and broadcast through the pipeline, never interpreted.
package agent

import (
	"context"
	"encoding/json"
)

// Role marks a conversation message's origin.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation turn.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID        string
	Tool      string
	Arguments json.RawMessage
}

// ToolDef describes a tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one inference call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Result is the model's response: either text, or tool calls, or both.
type Result struct {
	Text      string
	ToolCalls []ToolCall
}

// Inference is the reasoning model client.
type Inference interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Tool binds a ToolDef to its pipeline addressing: the peer handler and
// the request/response tags the mechanical mapping uses.
type Tool struct {
	Handler     string
	RequestTag  string
	ResponseTag string
	Def         ToolDef
}

// Config is one agent's frozen configuration, assembled from the organism
// definition.
type Config struct {
	Name          string
	TaskTag       string
	ResponseTag   string
	SystemPrompt  string
	Model         string
	MaxTokens     int
	MaxIterations int
	Tools         []Tool
}

// Task is the payload of a TaskTag envelope.
type Task struct {
	Task string `json:"task"`
}

// Answer is the payload of a ResponseTag envelope.
type Answer struct {
	Text string `json:"text"`
}

// TaskSchema validates Task payloads.
const TaskSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": { "task": { "type": "string", "minLength": 1 } },
  "required": ["task"],
  "additionalProperties": false
}`

// AnswerSchema validates Answer payloads.
const AnswerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": { "text": { "type": "string" } },
  "required": ["text"],
  "additionalProperties": false
}`
