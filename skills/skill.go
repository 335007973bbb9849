// Package skills loads installable capability packages from a local
// directory and from a remote hub.
//
// A skill is a directory holding manifest.yaml:
//
//	skill: weather
//	version: 1.2.0
//	description: Look up the weather
//	parameters:
//	  city: {type: string, description: City name, required: true}
//	adds: [src/weather.ts]
//	modifies: []
//	npm_dependencies: {axios: ^1.6.0}
//
// Directories without a manifest but with a SKILL.md front matter are
// loaded too.
package skills

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Origins.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

const defaultVersion = "1.0.0"

// Skill is one loaded or remotely listed skill.
type Skill struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description"`
	Path         string         `json:"path"`
	Origin       string         `json:"origin"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Adds         []string       `json:"adds,omitempty"`
	Modifies     []string       `json:"modifies,omitempty"`
	Dependencies map[string]any `json:"npm_dependencies,omitempty"`
	Manifest     map[string]any `json:"-"`
}

// Executable reports whether the skill carries implementation files.
func (s *Skill) Executable() bool {
	return len(s.Adds) > 0 || len(s.Modifies) > 0
}

// fromManifest builds a skill from a decoded manifest. fallbackName is
// used when the manifest has no "skill" key.
func fromManifest(m map[string]any, fallbackName, path, origin string) *Skill {
	s := &Skill{
		Name:     stringOr(m["skill"], fallbackName),
		Version:  stringOr(m["version"], defaultVersion),
		Path:     path,
		Origin:   origin,
		Manifest: m,
	}
	s.Description, _ = m["description"].(string)
	s.Description = strings.TrimSpace(s.Description)
	s.Parameters = stringKeyed(m["parameters"])
	s.Adds = stringList(m["adds"])
	s.Modifies = stringList(m["modifies"])
	s.Dependencies = stringKeyed(m["npm_dependencies"])
	return s
}

func parseManifest(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("empty manifest")
	}
	return m, nil
}

var frontmatterRE = regexp.MustCompile(`(?s)\A---\s*\n(.*?\n)---\s*\n`)

// parseSkillMD reads the YAML front matter of a SKILL.md file.
func parseSkillMD(data []byte) (map[string]any, error) {
	match := frontmatterRE.FindSubmatch(data)
	if match == nil {
		return nil, fmt.Errorf("no front matter")
	}
	var front map[string]any
	if err := yaml.Unmarshal(match[1], &front); err != nil {
		return nil, err
	}
	if front == nil {
		front = map[string]any{}
	}
	// SKILL.md calls it "name"; manifests call it "skill".
	if name, ok := front["name"].(string); ok && front["skill"] == nil {
		front["skill"] = name
	}
	return front, nil
}

func stringOr(v any, def string) string {
	switch s := v.(type) {
	case string:
		if s != "" {
			return s
		}
	case nil:
	default:
		return fmt.Sprint(s)
	}
	return def
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		out = append(out, fmt.Sprint(x))
	}
	return out
}

func stringKeyed(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, x := range m {
			out[fmt.Sprint(k)] = x
		}
		return out
	}
	return nil
}
