// Package pipeline runs a fixed directed graph of stages over a shared state.
// Ownership of state fields and the topology are checked once, at build time.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Definition describes a pipeline graph.
type Definition struct {
	ID    string
	Entry string
	// Inputs are the fields supplied by the trigger in the initial state.
	Inputs []string
	Stages []Stage
	Edges  []Edge
}

// Diagnostic is one build-time finding.
type Diagnostic struct {
	Rule    string `json:"rule"`
	Stage   string `json:"stage,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Rule, d.Message)
}

// ValidationError rejects a definition before any stage runs.
type ValidationError struct {
	Pipeline    string
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.String()
	}
	return fmt.Sprintf("invalid pipeline %q: %s", e.Pipeline, strings.Join(msgs, "; "))
}

// Has reports whether any diagnostic has the given rule.
func (e *ValidationError) Has(rule string) bool {
	for _, d := range e.Diagnostics {
		if d.Rule == rule {
			return true
		}
	}
	return false
}

// Pipeline is a validated, executable definition. It is safe to execute
// concurrently; each run owns its own state.
type Pipeline struct {
	def       Definition
	order     []string
	stages    map[string]*Stage
	incoming  map[string][]Edge
	outgoing  map[string][]Edge
	ancestors map[string]map[string]bool
	// scope holds the fields a stage may see: inputs plus ancestor writes.
	scope    map[string]map[string]bool
	writes   map[string]map[string]bool
	terminal map[string]bool

	logger func(format string, args ...any)
	grace  time.Duration
	now    func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the progress logger.
func WithLogger(logger func(format string, args ...any)) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithGracePeriod bounds how long Execute waits for cancelled stages after the deadline.
func WithGracePeriod(d time.Duration) Option {
	return func(p *Pipeline) {
		p.grace = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// DefaultGracePeriod is used when no grace period is configured.
const DefaultGracePeriod = 5 * time.Second

// Build validates def and computes its execution order.
func Build(def Definition, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		def:       def,
		stages:    make(map[string]*Stage, len(def.Stages)),
		incoming:  make(map[string][]Edge),
		outgoing:  make(map[string][]Edge),
		ancestors: make(map[string]map[string]bool),
		scope:     make(map[string]map[string]bool),
		writes:    make(map[string]map[string]bool),
		terminal:  make(map[string]bool),
		grace:     DefaultGracePeriod,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	var diags []Diagnostic
	add := func(rule, stage, field, format string, args ...any) {
		diags = append(diags, Diagnostic{Rule: rule, Stage: stage, Field: field, Message: fmt.Sprintf(format, args...)})
	}
	fail := func() error {
		return &ValidationError{Pipeline: def.ID, Diagnostics: diags}
	}

	if def.ID == "" {
		add("missing_id", "", "", "pipeline id is required")
	}
	if len(def.Stages) == 0 {
		add("no_stages", "", "", "pipeline must define at least one stage")
		return nil, fail()
	}

	for i := range def.Stages {
		s := &def.Stages[i]
		if s.Name == "" {
			add("missing_name", "", "", "stage %d has no name", i)
			continue
		}
		if _, dup := p.stages[s.Name]; dup {
			add("duplicate_stage", s.Name, "", "stage %s is declared twice", s.Name)
			continue
		}
		if s.Run == nil {
			add("missing_run", s.Name, "", "stage %s has no run function", s.Name)
		}
		p.stages[s.Name] = s
		p.writes[s.Name] = make(map[string]bool, len(s.Writes))
		for _, f := range s.Writes {
			if f == "" {
				add("empty_field", s.Name, "", "stage %s declares an empty write", s.Name)
				continue
			}
			p.writes[s.Name][f] = true
		}
	}

	for _, e := range def.Edges {
		_, fromOK := p.stages[e.From]
		_, toOK := p.stages[e.To]
		if !fromOK || !toOK {
			add("unknown_edge_endpoint", e.From, "", "edge %s -> %s references an unknown stage", e.From, e.To)
			continue
		}
		p.outgoing[e.From] = append(p.outgoing[e.From], e)
		p.incoming[e.To] = append(p.incoming[e.To], e)
	}

	if _, ok := p.stages[def.Entry]; !ok {
		add("unknown_entry", def.Entry, "", "entry stage %q is not declared", def.Entry)
	} else if len(p.incoming[def.Entry]) > 0 {
		add("entry_has_inbound", def.Entry, "", "entry stage %s has incoming edges", def.Entry)
	}
	// Cycles are reported alongside the structural findings above.
	order, cyclic := p.topoOrder()
	if len(cyclic) > 0 {
		add("cycle", cyclic[0], "", "stages %s form a cycle", strings.Join(cyclic, ", "))
	}
	if len(diags) > 0 {
		return nil, fail()
	}
	p.order = order

	for _, name := range order {
		anc := make(map[string]bool)
		for _, e := range p.incoming[name] {
			anc[e.From] = true
			for a := range p.ancestors[e.From] {
				anc[a] = true
			}
		}
		p.ancestors[name] = anc
		if len(p.outgoing[name]) == 0 {
			p.terminal[name] = true
		}
	}

	for _, name := range order {
		if name != def.Entry && !p.ancestors[name][def.Entry] {
			add("unreachable", name, "", "stage %s is not reachable from entry %s", name, def.Entry)
		}
	}

	inputs := make(map[string]bool, len(def.Inputs))
	for _, f := range def.Inputs {
		inputs[f] = true
	}
	owners := make(map[string][]string)
	for _, name := range order {
		fields := make([]string, 0, len(p.writes[name]))
		for f := range p.writes[name] {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if inputs[f] {
				add("input_overwritten", name, f, "stage %s writes run input %s", name, f)
			}
			owners[f] = append(owners[f], name)
		}
	}
	fields := make([]string, 0, len(owners))
	for f := range owners {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		names := owners[f]
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				a, b := names[i], names[j]
				if p.ancestors[a][b] || p.ancestors[b][a] {
					add("duplicate_owner", b, f, "field %s is written by both %s and %s", f, a, b)
				} else {
					add("concurrent_write_overlap", b, f, "concurrent stages %s and %s both write %s", a, b, f)
				}
			}
		}
	}

	for _, name := range order {
		scope := make(map[string]bool, len(inputs))
		for f := range inputs {
			scope[f] = true
		}
		for a := range p.ancestors[name] {
			for f := range p.writes[a] {
				scope[f] = true
			}
		}
		p.scope[name] = scope

		for _, f := range p.stages[name].Reads {
			if scope[f] {
				continue
			}
			if len(owners[f]) == 0 {
				add("unknown_read", name, f, "stage %s reads %s, which no stage or input provides", name, f)
			} else {
				add("read_not_upstream", name, f, "stage %s reads %s, written by %s which is not upstream", name, f, strings.Join(owners[f], ", "))
			}
		}
	}

	if len(diags) > 0 {
		return nil, fail()
	}
	return p, nil
}

// topoOrder is Kahn's algorithm with ties broken by declaration order. It
// returns the stages left on a cycle when the graph is not acyclic.
func (p *Pipeline) topoOrder() ([]string, []string) {
	indeg := make(map[string]int, len(p.stages))
	for _, s := range p.def.Stages {
		indeg[s.Name] = len(p.incoming[s.Name])
	}
	var order []string
	done := make(map[string]bool, len(p.stages))
	for len(order) < len(p.stages) {
		progressed := false
		for _, s := range p.def.Stages {
			if _, ok := p.stages[s.Name]; !ok || done[s.Name] || indeg[s.Name] > 0 {
				continue
			}
			done[s.Name] = true
			order = append(order, s.Name)
			for _, e := range p.outgoing[s.Name] {
				indeg[e.To]--
			}
			progressed = true
			break
		}
		if !progressed {
			var cyclic []string
			for _, s := range p.def.Stages {
				if _, ok := p.stages[s.Name]; ok && !done[s.Name] {
					cyclic = append(cyclic, s.Name)
				}
			}
			return nil, cyclic
		}
	}
	return order, nil
}

// ID returns the pipeline id.
func (p *Pipeline) ID() string {
	return p.def.ID
}

// Order returns the stages in execution order.
func (p *Pipeline) Order() []string {
	return append([]string(nil), p.order...)
}

// Terminal reports whether name has no outgoing edges.
func (p *Pipeline) Terminal(name string) bool {
	return p.terminal[name]
}

// Layers groups stages that may run concurrently: every stage sits one layer
// after its deepest predecessor.
func (p *Pipeline) Layers() [][]string {
	depth := make(map[string]int, len(p.order))
	var layers [][]string
	for _, name := range p.order {
		d := 0
		for _, e := range p.incoming[name] {
			if depth[e.From]+1 > d {
				d = depth[e.From] + 1
			}
		}
		depth[name] = d
		for len(layers) <= d {
			layers = append(layers, nil)
		}
		layers[d] = append(layers[d], name)
	}
	return layers
}

func (p *Pipeline) view(state State, fields map[string]bool) State {
	out := make(State, len(fields))
	for f := range fields {
		if v, ok := state[f]; ok {
			out[f] = v
		}
	}
	return out
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger(format, args...)
	}
}
