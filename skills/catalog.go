package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/langbot-app/LangTARS/agent"
)

// CatalogHook lists the installed skills in the system message of every
// model call so the model knows they exist before asking for one.
type CatalogHook struct {
	agent.BaseHook
	loader *Loader
}

// NewCatalogHook creates a catalog hook over loader.
func NewCatalogHook(loader *Loader) *CatalogHook {
	return &CatalogHook{loader: loader}
}

func (h *CatalogHook) Name() string { return "skills" }

func (h *CatalogHook) ModifyRequest(ctx context.Context, msgs []agent.Message) ([]agent.Message, error) {
	all := h.loader.All()
	if len(all) == 0 {
		return msgs, nil
	}

	var sb strings.Builder
	sb.WriteString("\n\nInstalled skills:\n")
	for _, s := range all {
		fmt.Fprintf(&sb, "- %s (v%s): %s\n", strings.ReplaceAll(s.Name, "-", "_"), s.Version, s.Description)
	}

	out := make([]agent.Message, len(msgs))
	copy(out, msgs)
	if len(out) > 0 && out[0].Role == agent.RoleSystem {
		out[0].Content += sb.String()
		return out, nil
	}
	return append([]agent.Message{{Role: agent.RoleSystem, Content: strings.TrimLeft(sb.String(), "\n")}}, out...), nil
}
