package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAttemptTimeout applies to task types that declare no timeout.
const DefaultAttemptTimeout = 60 * time.Second

// ModelTable maps every task type to its primary/fallback capability chain.
type ModelTable struct {
	TaskTypes map[string]TaskRoute `yaml:"task_types"`
	Pricing   PricingConfig        `yaml:"pricing,omitempty"`
	Aliases   map[string]string    `yaml:"aliases,omitempty"`
}

// Endpoint names one capability: an adapter and a model served by it.
type Endpoint struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

func (e Endpoint) String() string {
	return e.Adapter + "/" + e.Model
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Adapter == "" && e.Model == ""
}

// TaskRoute is the routing entry for one task type.
type TaskRoute struct {
	Primary  Endpoint      `yaml:"primary"`
	Fallback *Endpoint     `yaml:"fallback,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// Chain returns the ordered endpoints, primary first. It never has more than two entries.
func (r TaskRoute) Chain() []Endpoint {
	chain := []Endpoint{r.Primary}
	if r.Fallback != nil && !r.Fallback.IsZero() {
		chain = append(chain, *r.Fallback)
	}
	return chain
}

// PricingConfig maps adapter -> model -> pricing.
type PricingConfig map[string]map[string]ModelPricing

// ModelPricing defines per-million-token pricing in USD.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Cost returns the USD cost of a call with the given token counts.
func (p ModelPricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// Lookup finds pricing for the endpoint, falling back to the adapter's "default" entry.
func (p PricingConfig) Lookup(e Endpoint) (ModelPricing, bool) {
	if p == nil {
		return ModelPricing{}, false
	}
	adapterPricing, ok := p[e.Adapter]
	if !ok {
		return ModelPricing{}, false
	}
	if entry, ok := adapterPricing[e.Model]; ok {
		return entry, true
	}
	if entry, ok := adapterPricing["default"]; ok {
		return entry, true
	}
	return ModelPricing{}, false
}

// LoadModelTable reads a model table from a YAML file.
func LoadModelTable(path string) (*ModelTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseModelTable(data)
}

// ParseModelTable decodes a model table and resolves model aliases.
func ParseModelTable(data []byte) (*ModelTable, error) {
	var table ModelTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	applyTableDefaults(&table)
	return &table, nil
}

// Route returns the routing entry for a task type.
func (t *ModelTable) Route(taskType string) (TaskRoute, bool) {
	if t == nil {
		return TaskRoute{}, false
	}
	route, ok := t.TaskTypes[taskType]
	return route, ok
}

// TaskNames returns the configured task types in sorted order.
func (t *ModelTable) TaskNames() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.TaskTypes))
	for name := range t.TaskTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every route and that each required task type is mapped.
// There is no default route: an unmapped task type is an error.
func (t *ModelTable) Validate(required ...string) error {
	if t == nil {
		return errors.New("model table is nil")
	}
	var errs []error
	for _, name := range required {
		if _, ok := t.TaskTypes[name]; !ok {
			errs = append(errs, fmt.Errorf("task type %q has no mapping", name))
		}
	}
	for _, name := range t.TaskNames() {
		route := t.TaskTypes[name]
		if route.Primary.Adapter == "" || route.Primary.Model == "" {
			errs = append(errs, fmt.Errorf("task type %q: primary adapter and model are required", name))
		}
		if route.Fallback != nil {
			if route.Fallback.Adapter == "" || route.Fallback.Model == "" {
				errs = append(errs, fmt.Errorf("task type %q: fallback adapter and model are required when fallback is set", name))
			} else if *route.Fallback == route.Primary {
				errs = append(errs, fmt.Errorf("task type %q: fallback duplicates primary %s", name, route.Primary))
			}
		}
		if route.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("task type %q: timeout must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Endpoints returns every distinct endpoint referenced by the table.
func (t *ModelTable) Endpoints() []Endpoint {
	seen := make(map[Endpoint]bool)
	var out []Endpoint
	for _, name := range t.TaskNames() {
		for _, e := range t.TaskTypes[name].Chain() {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// DefaultModelTable returns the built-in table: fast model for bulk
// classification work, the stronger model for prose, GPT-4o as fallback.
func DefaultModelTable() *ModelTable {
	fast := Endpoint{Adapter: "anthropic", Model: "fast"}
	quality := Endpoint{Adapter: "anthropic", Model: "quality"}
	fallback := Endpoint{Adapter: "openai", Model: "fallback"}

	table := &ModelTable{
		TaskTypes: map[string]TaskRoute{
			"scoring":           {Primary: fast, Fallback: &fallback, Timeout: 60 * time.Second},
			"anomaly_detection": {Primary: fast, Fallback: &fallback, Timeout: 60 * time.Second},
			"brief_generation":  {Primary: quality, Fallback: &fallback, Timeout: 90 * time.Second},
			"research":          {Primary: quality, Fallback: &fallback, Timeout: 120 * time.Second},
			"weekly_report":     {Primary: quality, Fallback: &fallback, Timeout: 180 * time.Second},
		},
		Pricing: PricingConfig{
			"anthropic": {
				"claude-sonnet-4-5-20250929": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
				"claude-haiku-4-5-20251001":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
			},
			"openai": {
				"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00},
				"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
			},
		},
	}
	applyTableDefaults(table)
	return table
}

func applyTableDefaults(t *ModelTable) {
	if t == nil {
		return
	}
	aliases := DefaultAliases()
	for k, v := range t.Aliases {
		aliases.Aliases[k] = v
	}
	for name, route := range t.TaskTypes {
		route.Primary.Model = aliases.Resolve(route.Primary.Model)
		if route.Fallback != nil {
			fb := *route.Fallback
			fb.Model = aliases.Resolve(fb.Model)
			route.Fallback = &fb
		}
		if route.Timeout == 0 {
			route.Timeout = DefaultAttemptTimeout
		}
		t.TaskTypes[name] = route
	}
}
