// Package activation decides whether a host runs the checkout at all.
package activation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/mausys/gclient/internal/config"
)

// Host identifies the machine and job asking to run.
type Host struct {
	Master  string `json:"master"`
	Builder string `json:"builder"`
	Slave   string `json:"slave"`
}

type entry struct {
	master glob.Glob
	names  []glob.Glob
}

// Policy is a compiled activation configuration.
type Policy struct {
	enabledMasters   []glob.Glob
	enabledBuilders  []entry
	enabledSlaves    []entry
	disabledBuilders []entry
	disabledSlaves   []entry
	query            *rego.PreparedEvalQuery
}

// New compiles cfg. The Rego query, when set, is prepared once against the
// policy module.
func New(ctx context.Context, cfg *config.Activation) (*Policy, error) {
	if cfg == nil {
		cfg = config.DefaultActivation()
	}

	var p Policy
	var err error
	if p.enabledMasters, err = compileAll(cfg.EnabledMasters); err != nil {
		return nil, err
	}
	for dst, src := range map[*[]entry]map[string]config.StringSet{
		&p.enabledBuilders:  cfg.EnabledBuilders,
		&p.enabledSlaves:    cfg.EnabledSlaves,
		&p.disabledBuilders: cfg.DisabledBuilders,
		&p.disabledSlaves:   cfg.DisabledSlaves,
	} {
		if *dst, err = compileEntries(src); err != nil {
			return nil, err
		}
	}

	if cfg.Query != "" {
		query, err := prepare(ctx, cfg.Query, cfg.Policy)
		if err != nil {
			return nil, fmt.Errorf("activation policy: %w", err)
		}
		p.query = &query
	} else if cfg.Policy != "" {
		return nil, errors.New("activation policy: a policy module needs a query")
	}

	return &p, nil
}

// Active reports whether the host should run the checkout. A host is active
// when it is forced, or when it is enabled, not disabled and allowed by the
// policy. Without any enabled entries the policy alone decides.
func (p *Policy) Active(ctx context.Context, h Host, force bool) (bool, error) {
	if force {
		return true, nil
	}

	enabled := p.enabled(h)
	if !enabled && (p.query == nil || p.hasEnabledEntries()) {
		return false, nil
	}
	if p.disabled(h) {
		return false, nil
	}
	if p.query == nil {
		return true, nil
	}
	return p.allowed(ctx, h)
}

func (p *Policy) hasEnabledEntries() bool {
	return len(p.enabledMasters) > 0 || len(p.enabledBuilders) > 0 || len(p.enabledSlaves) > 0
}

func (p *Policy) enabled(h Host) bool {
	if matchAny(p.enabledMasters, h.Master) {
		return true
	}
	return lookup(p.enabledBuilders, h.Master, h.Builder) || lookup(p.enabledSlaves, h.Master, h.Slave)
}

func (p *Policy) disabled(h Host) bool {
	return lookup(p.disabledBuilders, h.Master, h.Builder) || lookup(p.disabledSlaves, h.Master, h.Slave)
}

func (p *Policy) allowed(ctx context.Context, h Host) (bool, error) {
	input := map[string]any{"master": h.Master, "builder": h.Builder, "slave": h.Slave}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("rego evaluation failed: %w", err)
	}

	// Undefined means not allowed.
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("activation query returned %v, expected a boolean", rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

func prepare(ctx context.Context, query, module string) (rego.PreparedEvalQuery, error) {
	body, err := ast.ParseBody(query)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("invalid rego query: %w", err)
	}

	opts := []func(*rego.Rego){
		rego.ParsedQuery(body),
		rego.Strict(true),
		rego.Runtime(makeRuntimeInfo()),
	}
	if module != "" {
		opts = append(opts, rego.Module("activation.rego", module))
	}

	return rego.New(opts...).PrepareForEval(ctx)
}

func makeRuntimeInfo() *ast.Term {
	environ := os.Environ()
	items := make([][2]*ast.Term, 0, len(environ))
	for _, e := range environ {
		key, val, _ := strings.Cut(e, "=")
		items = append(items, [2]*ast.Term{ast.StringTerm(key), ast.StringTerm(val)})
	}

	return ast.NewTerm(ast.NewObject(
		[2]*ast.Term{ast.StringTerm("env"), ast.NewTerm(ast.NewObject(items...))},
	))
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func compileEntries(m map[string]config.StringSet) ([]entry, error) {
	entries := make([]entry, 0, len(m))
	for master, names := range m {
		mg, err := glob.Compile(master)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", master, err)
		}
		ng, err := compileAll(names)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{master: mg, names: ng})
	}
	return entries, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	return slices.ContainsFunc(globs, func(g glob.Glob) bool { return g.Match(s) })
}

func lookup(entries []entry, master, name string) bool {
	if name == "" {
		return false
	}
	return slices.ContainsFunc(entries, func(e entry) bool {
		return e.master.Match(master) && matchAny(e.names, name)
	})
}
