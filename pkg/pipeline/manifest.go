package pipeline

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the declarative shape of a pipeline: stages, field ownership
// and edges. Stage functions and edge conditions are bound by name.
type Manifest struct {
	ID     string          `yaml:"id"`
	Entry  string          `yaml:"entry"`
	Inputs []string        `yaml:"inputs,omitempty"`
	Stages []StageManifest `yaml:"stages"`
	Edges  []EdgeManifest  `yaml:"edges"`
}

// StageManifest declares one stage.
type StageManifest struct {
	Name            string   `yaml:"name"`
	Reads           []string `yaml:"reads,omitempty"`
	Writes          []string `yaml:"writes,omitempty"`
	ContinueOnError bool     `yaml:"continue_on_error,omitempty"`
}

// EdgeManifest declares one edge. When names a bound condition.
type EdgeManifest struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	When string `yaml:"when,omitempty"`
}

// LoadManifest reads a pipeline manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse pipeline manifest: %w", err)
	}
	return &m, nil
}

// Bind attaches stage functions and conditions and returns the definition.
// Unbound names are reported together.
func (m *Manifest) Bind(funcs map[string]StageFunc, conds map[string]Condition) (Definition, error) {
	def := Definition{ID: m.ID, Entry: m.Entry, Inputs: m.Inputs}
	var diags []Diagnostic
	for _, sm := range m.Stages {
		fn, ok := funcs[sm.Name]
		if !ok {
			diags = append(diags, Diagnostic{Rule: "unbound_stage", Stage: sm.Name, Message: fmt.Sprintf("no function bound for stage %s", sm.Name)})
		}
		def.Stages = append(def.Stages, Stage{
			Name:            sm.Name,
			Reads:           sm.Reads,
			Writes:          sm.Writes,
			ContinueOnError: sm.ContinueOnError,
			Run:             fn,
		})
	}
	for _, em := range m.Edges {
		e := Edge{From: em.From, To: em.To, Label: em.When}
		if em.When != "" {
			cond, ok := conds[em.When]
			if !ok {
				diags = append(diags, Diagnostic{Rule: "unbound_condition", Stage: em.From, Message: fmt.Sprintf("edge %s -> %s uses unknown condition %q", em.From, em.To, em.When)})
			}
			e.When = cond
		}
		def.Edges = append(def.Edges, e)
	}
	if len(diags) > 0 {
		return def, &ValidationError{Pipeline: m.ID, Diagnostics: diags}
	}
	return def, nil
}

// Check validates the manifest's topology and ownership without real stage
// functions, as used by the validate command.
func (m *Manifest) Check() error {
	funcs := make(map[string]StageFunc, len(m.Stages))
	for _, s := range m.Stages {
		funcs[s.Name] = noop
	}
	conds := make(map[string]Condition)
	for _, e := range m.Edges {
		if e.When != "" {
			conds[e.When] = func(State) bool { return true }
		}
	}
	def, err := m.Bind(funcs, conds)
	if err != nil {
		return err
	}
	_, err = Build(def)
	return err
}

func noop(ctx context.Context, _ State) (State, error) {
	return nil, ctx.Err()
}
