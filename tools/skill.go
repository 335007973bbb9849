package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/skills"
)

// SkillTool converts a skill to a tool. The tool name is the skill name
// with dashes replaced by underscores.
func SkillTool(s *skills.Skill) agent.Tool {
	desc := s.Description
	if desc == "" {
		desc = "Skill: " + s.Name
	}
	skill := *s
	return &agent.FuncTool{
		ToolName:   SkillToolName(s.Name),
		ToolDesc:   desc,
		ToolParams: skillSchema(s.Parameters),
		Fn: func(ctx context.Context, args map[string]any) (agent.ToolResult, error) {
			if !skill.Executable() {
				return agent.Errorf("Skill '%s' has no implementation files. This is a code transformation skill that cannot be executed directly.", skill.Name), nil
			}
			return agent.OK(map[string]any{
				"skill":       skill.Name,
				"version":     skill.Version,
				"description": skill.Description,
				"message": fmt.Sprintf("Skill '%s' is available. This skill adds: %v, modifies: %v. To apply this skill to your project, it needs to be executed as a code transformation.",
					skill.Name, skill.Adds, skill.Modifies),
			}), nil
		},
	}
}

// SkillToolName maps a skill name to its tool name.
func SkillToolName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func skillSchema(params map[string]any) map[string]any {
	properties := make(map[string]any, len(params))
	out := map[string]any{"type": "object", "properties": properties}
	if len(params) == 0 {
		return out
	}
	required := []string{}
	for name, info := range params {
		prop := map[string]any{}
		m, ok := info.(map[string]any)
		if !ok {
			prop["type"] = "string"
			if info != nil {
				prop["description"] = fmt.Sprint(info)
			}
			properties[name] = prop
			continue
		}
		prop["type"] = "string"
		if t, ok := m["type"].(string); ok && t != "" {
			prop["type"] = t
		}
		if d, ok := m["description"].(string); ok && d != "" {
			prop["description"] = d
		}
		if e, ok := m["enum"]; ok && e != nil {
			prop["enum"] = e
		}
		if r, ok := m["required"].(bool); ok && r {
			required = append(required, name)
		}
		properties[name] = prop
	}
	out["required"] = required
	return out
}

// LoadSkills registers every loaded skill and returns how many were added.
func (r *Registry) LoadSkills(loader *skills.Loader) int {
	added := 0
	for _, s := range loader.All() {
		if r.Register(SkillTool(s), SourceSkill) {
			added++
		}
	}
	return added
}

// SkillInstaller acquires missing capabilities for the engine by
// installing skills into the registry.
type SkillInstaller struct {
	registry *Registry
	loader   *skills.Loader
}

var _ agent.SkillInstaller = (*SkillInstaller)(nil)

// NewSkillInstaller binds a loader to a registry.
func NewSkillInstaller(r *Registry, loader *skills.Loader) *SkillInstaller {
	return &SkillInstaller{registry: r, loader: loader}
}

// InstallSkill searches for need, installs the first match and registers
// it. It returns the registered tool name.
func (i *SkillInstaller) InstallSkill(ctx context.Context, need string) (string, error) {
	matches := i.loader.Search(ctx, need)
	if len(matches) == 0 {
		return "", fmt.Errorf("no skill matches %q", need)
	}
	first := matches[0]

	name := first.Name
	if first.Origin == skills.OriginRemote {
		res := i.loader.Install(ctx, first.Name)
		if !res.Success {
			return "", fmt.Errorf("%s", res.Error)
		}
		name = res.Skill
	}

	s, ok := i.loader.Get(name)
	if !ok {
		return "", fmt.Errorf("skill %s not loaded after install", name)
	}
	i.registry.Register(SkillTool(s), SourceSkill)
	toolName := SkillToolName(s.Name)
	if _, ok := i.registry.Get(toolName); !ok {
		return "", fmt.Errorf("skill %s could not be registered", name)
	}
	return toolName, nil
}

// SuggestSkills lists skills related to need.
func (i *SkillInstaller) SuggestSkills(ctx context.Context, need string) []agent.SkillHint {
	matches := i.loader.Search(ctx, need)
	out := make([]agent.SkillHint, 0, len(matches))
	for _, s := range matches {
		out = append(out, agent.SkillHint{Name: s.Name, Description: s.Description})
	}
	return out
}

// Install installs identifier without searching first and registers the
// skill. The tool name is empty when the install failed.
func (i *SkillInstaller) Install(ctx context.Context, identifier string) (skills.InstallResult, string) {
	res := i.loader.Install(ctx, identifier)
	if !res.Success {
		return res, ""
	}
	s, ok := i.loader.Get(res.Skill)
	if !ok {
		return res, ""
	}
	i.registry.Register(SkillTool(s), SourceSkill)
	return res, SkillToolName(s.Name)
}
