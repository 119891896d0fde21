// Package prompt derives agent instructions from the active-agent identifier.
// Instruction text is a pure view over the catalog; the conversation's
// current_agent field stays the only source of truth for who is in control.
package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Composer builds the effective system instructions for one or more agents.
type Composer struct {
	base   string
	blocks map[string]string
	order  []string
}

// NewComposer creates a composer over the default agent catalog.
func NewComposer() *Composer {
	return &Composer{base: baseBlock, blocks: specialtyBlocks, order: specialtyOrder}
}

// Known reports whether the agent name exists in the catalog.
func (c *Composer) Known(agent string) bool {
	if agent == TriageAgent {
		return true
	}
	_, ok := c.blocks[agent]
	return ok
}

// Agents lists every specialist the composer knows, sorted by name.
func (c *Composer) Agents() []string {
	names := make([]string, 0, len(c.blocks))
	for name := range c.blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompositeID returns the identifier stored in current_agent for the given
// target list: the name itself for one agent, "a+b" for several. Duplicates
// collapse to their first occurrence.
func CompositeID(agents []string) string {
	return strings.Join(dedupe(agents), "+")
}

// SplitComposite is the inverse of CompositeID.
func SplitComposite(id string) []string {
	if id == "" {
		return nil
	}
	return strings.Split(id, "+")
}

// Compose returns the instruction set for the given ordered agent list.
// It is a pure function: same input, same output, no side effects. A single
// agent gets its block verbatim; multiple agents get the shared base block
// followed by each specialist block in list order, duplicates removed.
func (c *Composer) Compose(agents []string) (string, error) {
	agents = dedupe(agents)
	if len(agents) == 0 {
		return "", fmt.Errorf("compose: empty agent list")
	}

	if len(agents) == 1 {
		if agents[0] == TriageAgent {
			return triageBlock, nil
		}
		block, ok := c.blocks[agents[0]]
		if !ok {
			return "", fmt.Errorf("compose: unknown agent %q", agents[0])
		}
		return block, nil
	}

	var b strings.Builder
	b.WriteString(strings.ReplaceAll(c.base, "{specialties}", strings.Join(agents, ", ")))
	for _, agent := range agents {
		block, ok := c.blocks[agent]
		if !ok {
			return "", fmt.Errorf("compose: unknown agent %q", agent)
		}
		b.WriteString("\n\n")
		b.WriteString(block)
	}
	return b.String(), nil
}

// dedupe removes repeated names, keeping first-occurrence order.
func dedupe(agents []string) []string {
	seen := make(map[string]struct{}, len(agents))
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
