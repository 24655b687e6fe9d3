package organism

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mesh "github.com/hatsunemiku3939/agentmesh"
	"github.com/hatsunemiku3939/agentmesh/agent"
	"github.com/hatsunemiku3939/agentmesh/pkg/jsonschema"
	"github.com/hatsunemiku3939/agentmesh/profile"
	"github.com/hatsunemiku3939/agentmesh/semroute"
)

// Schema ref layout: one request and one response schema per listener.
func requestRef(listener string) string  { return "req/" + listener }
func responseRef(listener string) string { return "resp/" + listener }

// CompileSchemas compiles every listener schema into the registry under
// the organism's ref layout.
func (d *Definition) CompileSchemas(reg *jsonschema.Registry) error {
	for _, l := range d.Listeners {
		if l.RequestSchema != "" {
			if err := reg.Compile(requestRef(l.Name), l.RequestSchema); err != nil {
				return fmt.Errorf("organism: listener %q request schema: %w", l.Name, err)
			}
		}
		if l.ResponseSchema != "" {
			if err := reg.Compile(responseRef(l.Name), l.ResponseSchema); err != nil {
				return fmt.Errorf("organism: listener %q response schema: %w", l.Name, err)
			}
		}
	}
	return nil
}

// Registration builds the frozen handler registration for a listener,
// deriving the agent tag set (task tag plus peer response tags) and the
// per-tag request schema refs.
func (d *Definition) Registration(name string) (mesh.Registration, error) {
	l := d.listener(name)
	if l == nil {
		return mesh.Registration{}, fmt.Errorf("organism: unknown listener %q", name)
	}
	refs := make(map[string]string)
	for _, tag := range l.PayloadTags {
		if l.RequestSchema != "" {
			refs[tag] = requestRef(l.Name)
		}
	}
	tags := append([]string{}, l.PayloadTags...)
	if l.Agent != nil {
		for _, peerName := range l.Peers {
			peer := d.listener(peerName)
			if peer == nil || peer.ResponseTag == "" {
				continue
			}
			tags = append(tags, peer.ResponseTag)
			if peer.ResponseSchema != "" {
				refs[peer.ResponseTag] = responseRef(peerName)
			}
		}
	}
	reg := mesh.Registration{
		Name:                l.Name,
		PayloadTags:         tags,
		RequestSchemaRefs:   refs,
		ResponseTag:         l.ResponseTag,
		Description:         l.Description,
		SemanticDescription: l.SemanticDescription,
		Peers:               append([]string{}, l.Peers...),
	}
	if l.ResponseSchema != "" {
		reg.ResponseSchemaRef = responseRef(l.Name)
	}
	return reg, nil
}

// BuildProfiles derives the per-profile closed-world dispatch tables from
// the permitted listeners and their routable tags.
func (d *Definition) BuildProfiles() ([]profile.Profile, error) {
	out := make([]profile.Profile, 0, len(d.Profiles))
	for _, p := range d.Profiles {
		table := make(map[string]string)
		for _, name := range p.Listeners {
			l := d.listener(name)
			if l == nil {
				return nil, fmt.Errorf("organism: profile %q permits unknown listener %q", p.Name, name)
			}
			for _, tag := range d.routableTags(l) {
				table[tag] = name
			}
		}
		out = append(out, profile.Profile{
			Name:             p.Name,
			Table:            table,
			NetworkAllowlist: append([]string{}, p.NetworkAllowlist...),
			Retention:        p.Retention,
			Identity:         p.Identity,
			DispatchTimeout:  time.Duration(p.DispatchTimeout),
		})
	}
	return out, nil
}

// Capabilities describes the routable request surface to the semantic
// router: each listener's own payload tags with their schema documents.
func (d *Definition) Capabilities() []semroute.Capability {
	out := make([]semroute.Capability, 0, len(d.Listeners))
	for _, l := range d.Listeners {
		tags := make(map[string]string, len(l.PayloadTags))
		for _, tag := range l.PayloadTags {
			tags[tag] = l.RequestSchema
		}
		semantic := l.SemanticDescription
		if semantic == "" {
			semantic = l.Description
		}
		out = append(out, semroute.Capability{Handler: l.Name, Tags: tags, Semantic: semantic})
	}
	return out
}

// AgentConfig assembles an agent.Config for an agent listener: composed
// prompt, model parameters, and the mechanical tool mapping derived from
// its peers.
func (d *Definition) AgentConfig(name string) (agent.Config, error) {
	l := d.listener(name)
	if l == nil || l.Agent == nil {
		return agent.Config{}, fmt.Errorf("organism: %q is not an agent listener", name)
	}
	if len(l.PayloadTags) != 1 {
		return agent.Config{}, fmt.Errorf("organism: agent %q must declare exactly one task tag", name)
	}
	var tools []agent.Tool
	for _, peerName := range l.Peers {
		peer := d.listener(peerName)
		if peer == nil || len(peer.PayloadTags) == 0 {
			continue
		}
		schema := json.RawMessage(peer.RequestSchema)
		if peer.RequestSchema == "" {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, agent.Tool{
			Handler:     peer.Name,
			RequestTag:  peer.PayloadTags[0],
			ResponseTag: peer.ResponseTag,
			Def: agent.ToolDef{
				Name:        peer.Name,
				Description: peer.Description,
				Schema:      schema,
			},
		})
	}
	return agent.Config{
		Name:          l.Name,
		TaskTag:       l.PayloadTags[0],
		ResponseTag:   l.ResponseTag,
		SystemPrompt:  d.ComposePrompt(l.Agent.PromptBlocks, l.Agent.PromptVars),
		Model:         l.Agent.Model,
		MaxTokens:     l.Agent.MaxTokens,
		MaxIterations: l.Agent.MaxIterations,
		Tools:         tools,
	}, nil
}

// ComposePrompt concatenates named prompt blocks with newline separators
// and substitutes ${var} template variables at assembly time.
func (d *Definition) ComposePrompt(blocks []string, vars map[string]string) string {
	parts := make([]string, 0, len(blocks))
	for _, name := range blocks {
		parts = append(parts, d.Prompts[name])
	}
	text := strings.Join(parts, "\n")
	return os.Expand(text, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return ""
	})
}
