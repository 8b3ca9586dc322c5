package config

import (
	"fmt"
	"sort"
)

// ModelAliases manages model alias resolution and validation.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// ValidateModel checks if a model exists in the provider's list.
// Providers without a list accept any model.
func (a *ModelAliases) ValidateModel(adapter, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}
	models, ok := a.Providers[adapter]
	if !ok {
		return nil
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, adapter)
}

// ValidateTable checks that every endpoint in the table names a known model.
func (a *ModelAliases) ValidateTable(t *ModelTable) []error {
	if a == nil || t == nil {
		return nil
	}
	var errs []error
	for _, name := range t.TaskNames() {
		for _, e := range t.TaskTypes[name].Chain() {
			if err := a.ValidateModel(e.Adapter, e.Model); err != nil {
				errs = append(errs, fmt.Errorf("task %q: %w", name, err))
			}
		}
	}
	return errs
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// DefaultAliases returns the built-in aliases.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"fast":     "claude-haiku-4-5-20251001",
			"quality":  "claude-sonnet-4-5-20250929",
			"fallback": "gpt-4o",
			"cheap":    "gpt-4o-mini",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-sonnet-4-5-20250929", "claude-haiku-4-5-20251001"},
			"openai":    {"gpt-4o", "gpt-4o-mini"},
			"google":    {"gemini-2.0-flash", "gemini-2.5-pro"},
			"deepseek":  {"deepseek-chat", "deepseek-reasoner"},
		},
	}
}
