// Package tools resolves tool names to executable handlers. Tools come
// from three sources: the built-in capability table, dynamically
// discovered tools (host callbacks and MCP servers) and installed skills.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/backend"
)

// Source says where a registered tool came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceDynamic Source = "dynamic"
	SourceSkill   Source = "skill"
)

// Info describes a registered tool for listings.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Source      Source         `json:"source"`
}

type entry struct {
	tool   agent.Tool
	source Source
}

// Options configures a Registry.
type Options struct {
	// Host backs the built-in tools and the fallback table. Nil means no
	// built-in tools are registered.
	Host *backend.Host
	// AllowSkillOverride lets a skill replace a built-in tool of the same
	// name. Dynamic tools never override.
	AllowSkillOverride bool
	Logger             *slog.Logger
}

// Registry is the ordered tool table. The first registration of a name
// wins unless a skill override is allowed.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry

	host          *backend.Host
	allowOverride bool
	logger        *slog.Logger
}

var _ agent.Dispatcher = (*Registry)(nil)

// New creates a registry with the built-in tools registered first.
func New(opts Options) *Registry {
	r := &Registry{
		byName:        make(map[string]*entry),
		host:          opts.Host,
		allowOverride: opts.AllowSkillOverride,
		logger:        opts.Logger,
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.host != nil {
		for _, t := range Builtins(r.host) {
			r.Register(t, SourceBuiltin)
		}
	}
	return r
}

// Register adds a tool and reports whether it was added.
func (r *Registry) Register(t agent.Tool, src Source) bool {
	name := t.Name()
	if name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byName[name]; ok {
		if src == SourceSkill && r.allowOverride && cur.source == SourceBuiltin {
			r.logger.Warn("skill overrides built-in tool", "tool", name)
			cur.tool, cur.source = t, src
			return true
		}
		r.logger.Debug("tool already registered", "tool", name, "source", src, "existing", cur.source)
		return false
	}
	e := &entry{tool: t, source: src}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	return true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (agent.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// List returns the registered tools in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, len(r.entries))
	for i, e := range r.entries {
		out[i] = Info{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Parameters(),
			Source:      e.source,
		}
	}
	return out
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.tool.Name()
	}
	return out
}

// Describe renders the tool list for the model, one "- name: description"
// line per tool with its parameters indented beneath it.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for i, info := range r.List() {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s: %s", info.Name, info.Description)
		for _, p := range schemaParams(info.Parameters) {
			fmt.Fprintf(&sb, "\n  - %s: %s", p.Name, p.Description)
			if p.Required {
				sb.WriteString(" (required)")
			}
		}
	}
	return sb.String()
}

// Fingerprint is a hash of Describe. It changes whenever the tool set
// visible to the model changes.
func (r *Registry) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.ChecksumString64(r.Describe()))
}

// Dispatch executes a call. It never panics and never returns an error;
// failures are reported in the result.
func (r *Registry) Dispatch(ctx context.Context, call agent.ToolCall) (res agent.ToolResult) {
	args, ok := normalizeArgs(call)
	if !ok {
		return agent.Errorf("Invalid arguments: %s", call.RawArgs)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "panic", p)
			res = agent.Errorf("Error executing tool %s: %v", call.Name, p)
		}
	}()

	if t, ok := r.Get(call.Name); ok {
		out, err := t.Execute(ctx, args)
		if err != nil {
			r.logger.Warn("tool failed", "tool", call.Name, "error", err)
			return agent.Errorf("Error executing tool %s: %v", call.Name, err)
		}
		return out
	}

	if r.host != nil {
		if p, ok := primitives[call.Name]; ok {
			return agent.ResultFromMap(p.run(ctx, r.host, args))
		}
	}
	return agent.Errorf("Unknown tool: %s", call.Name)
}

// DynamicSource discovers tools at runtime.
type DynamicSource interface {
	Name() string
	List(ctx context.Context) ([]agent.Tool, error)
}

// LoadDynamic registers the tools of each source and returns how many
// were added. Source errors are logged and skipped.
func (r *Registry) LoadDynamic(ctx context.Context, sources ...DynamicSource) int {
	added := 0
	for _, src := range sources {
		list, err := src.List(ctx)
		if err != nil {
			r.logger.Warn("dynamic tool discovery failed", "source", src.Name(), "error", err)
			continue
		}
		for _, t := range list {
			if r.Register(t, SourceDynamic) {
				added++
			}
		}
		r.logger.Info("dynamic tools loaded", "source", src.Name(), "count", len(list))
	}
	return added
}

func normalizeArgs(call agent.ToolCall) (map[string]any, bool) {
	if call.Args != nil {
		return call.Args, true
	}
	raw := strings.TrimSpace(call.RawArgs)
	if raw == "" {
		return map[string]any{}, true
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}

// param is one rendered schema property.
type param struct {
	Name        string
	Description string
	Required    bool
}

// schemaParams lists a JSON schema's properties. Built-in schemas carry
// an order hint; other schemas are listed by name.
func schemaParams(schema map[string]any) []param {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, n := range req {
			required[n] = true
		}
	case []any:
		for _, n := range req {
			if s, ok := n.(string); ok {
				required[s] = true
			}
		}
	}

	var names []string
	switch order := schema[orderKey].(type) {
	case []string:
		names = order
	case []any:
		for _, n := range order {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
	}
	if len(names) == 0 {
		for n := range props {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	out := make([]param, 0, len(names))
	for _, n := range names {
		p, _ := props[n].(map[string]any)
		desc, _ := p["description"].(string)
		out = append(out, param{Name: n, Description: desc, Required: required[n]})
	}
	return out
}
