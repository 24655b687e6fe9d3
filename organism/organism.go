// Package organism loads the structured organism definition the pipeline
// consumes at startup: prompt blocks, listener registrations, and
// profiles. The definition is decoded once, validated as a whole, and
// frozen; reloading produces a new pipeline generation and never touches
// running threads.
package organism

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hatsunemiku3939/agentmesh/journal"
)

// Duration wraps time.Duration with YAML string decoding ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("organism: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AgentDef is the optional agent configuration of a listener.
type AgentDef struct {
	PromptBlocks  []string          `yaml:"prompt_blocks"`
	PromptVars    map[string]string `yaml:"prompt_vars"`
	Model         string            `yaml:"model"`
	MaxTokens     int               `yaml:"max_tokens"`
	MaxIterations int               `yaml:"max_iterations"`
}

// Listener is one handler registration in the organism.
type Listener struct {
	Name                string    `yaml:"name"`
	PayloadTags         []string  `yaml:"payload_tags"`
	RequestSchema       string    `yaml:"request_schema"`
	ResponseTag         string    `yaml:"response_tag"`
	ResponseSchema      string    `yaml:"response_schema"`
	Description         string    `yaml:"description"`
	SemanticDescription string    `yaml:"semantic_description"`
	Peers               []string  `yaml:"peers"`
	Agent               *AgentDef `yaml:"agent"`
}

// ProfileDef is one named security context in the organism.
type ProfileDef struct {
	Name             string                  `yaml:"name"`
	Listeners        []string                `yaml:"listeners"`
	NetworkAllowlist []string                `yaml:"network_allowlist"`
	Retention        journal.RetentionPolicy `yaml:"retention"`
	Identity         string                  `yaml:"identity"`
	DispatchTimeout  Duration                `yaml:"dispatch_timeout"`
}

// Definition is the whole organism document.
type Definition struct {
	Namespace   string            `yaml:"namespace"`
	RootProfile string            `yaml:"root_profile"`
	Prompts     map[string]string `yaml:"prompts"`
	Listeners   []Listener        `yaml:"listeners"`
	Profiles    []ProfileDef      `yaml:"profiles"`
}

// nameRe constrains listener, profile, and tag names.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// reservedTagPrefix is the engine's synthesized tag space; listeners may
// not register inside it.
const reservedTagPrefix = "mesh."

// Load reads and validates an organism definition from a file.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("organism: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates an organism definition.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("organism: decode: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition as a whole. Anything the dispatch engine
// would have to tie-break or guess at runtime is rejected here instead.
func (d *Definition) Validate() error {
	if d.Namespace == "" {
		return fmt.Errorf("organism: namespace is required")
	}
	if d.RootProfile == "" {
		return fmt.Errorf("organism: root_profile is required")
	}

	listeners := make(map[string]*Listener, len(d.Listeners))
	tagOwner := make(map[string]string)
	for i := range d.Listeners {
		l := &d.Listeners[i]
		if !nameRe.MatchString(l.Name) {
			return fmt.Errorf("organism: bad listener name %q", l.Name)
		}
		if _, dup := listeners[l.Name]; dup {
			return fmt.Errorf("organism: duplicate listener %q", l.Name)
		}
		if len(l.PayloadTags) == 0 {
			return fmt.Errorf("organism: listener %q has no payload tags", l.Name)
		}
		for _, tag := range l.PayloadTags {
			if strings.HasPrefix(tag, reservedTagPrefix) {
				return fmt.Errorf("organism: listener %q registers reserved tag %q", l.Name, tag)
			}
			if owner, dup := tagOwner[tag]; dup {
				return fmt.Errorf("organism: tag %q claimed by both %q and %q", tag, owner, l.Name)
			}
			tagOwner[tag] = l.Name
		}
		if l.ResponseSchema != "" && l.ResponseTag == "" {
			return fmt.Errorf("organism: listener %q has a response schema but no response tag", l.Name)
		}
		if a := l.Agent; a != nil {
			if a.MaxIterations <= 0 {
				return fmt.Errorf("organism: agent %q: max_iterations must be positive", l.Name)
			}
			if a.Model == "" {
				return fmt.Errorf("organism: agent %q: model is required", l.Name)
			}
			for _, block := range a.PromptBlocks {
				if _, ok := d.Prompts[block]; !ok {
					return fmt.Errorf("organism: agent %q references unknown prompt block %q", l.Name, block)
				}
			}
		}
		listeners[l.Name] = l
	}

	for _, l := range d.Listeners {
		for _, peer := range l.Peers {
			if _, ok := listeners[peer]; !ok {
				return fmt.Errorf("organism: listener %q names unknown peer %q", l.Name, peer)
			}
		}
	}

	// Agents also receive their peers' response tags; those derived tags
	// must be globally unambiguous too.
	for i := range d.Listeners {
		l := &d.Listeners[i]
		if l.Agent == nil {
			continue
		}
		for _, tag := range d.routableTags(l) {
			if owner, dup := tagOwner[tag]; dup && owner != l.Name {
				return fmt.Errorf("organism: tag %q claimed by both %q and %q", tag, owner, l.Name)
			}
			tagOwner[tag] = l.Name
		}
	}

	profiles := make(map[string]bool, len(d.Profiles))
	for _, p := range d.Profiles {
		if !nameRe.MatchString(p.Name) {
			return fmt.Errorf("organism: bad profile name %q", p.Name)
		}
		if profiles[p.Name] {
			return fmt.Errorf("organism: duplicate profile %q", p.Name)
		}
		profiles[p.Name] = true
		if err := p.Retention.Validate(); err != nil {
			return fmt.Errorf("organism: profile %q: %w", p.Name, err)
		}
		seen := make(map[string]string)
		for _, name := range p.Listeners {
			l, ok := listeners[name]
			if !ok {
				return fmt.Errorf("organism: profile %q permits unknown listener %q", p.Name, name)
			}
			// A tag reachable through two permitted listeners has no
			// defined resolution order; configuration error.
			for _, tag := range d.routableTags(l) {
				if owner, dup := seen[tag]; dup && owner != name {
					return fmt.Errorf("organism: profile %q routes tag %q to both %q and %q", p.Name, tag, owner, name)
				}
				seen[tag] = name
			}
		}
	}
	if !profiles[d.RootProfile] {
		return fmt.Errorf("organism: root_profile %q is not a defined profile", d.RootProfile)
	}
	return nil
}

// routableTags returns every tag a listener receives: its declared payload
// tags plus, for agents, the response tags of its peers.
func (d *Definition) routableTags(l *Listener) []string {
	tags := append([]string{}, l.PayloadTags...)
	if l.Agent == nil {
		return tags
	}
	for _, peer := range l.Peers {
		if p := d.listener(peer); p != nil && p.ResponseTag != "" {
			tags = append(tags, p.ResponseTag)
		}
	}
	return tags
}

func (d *Definition) listener(name string) *Listener {
	for i := range d.Listeners {
		if d.Listeners[i].Name == name {
			return &d.Listeners[i]
		}
	}
	return nil
}
