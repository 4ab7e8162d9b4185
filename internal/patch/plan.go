package patch

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Solution is the part of a solution the patch plan needs.
type Solution struct {
	Name     string
	DepsFile string
}

// Plan splits one patch request over the two phases of a checkout. The pre-sync
// phase patches only the dependency manifests of solutions under the patch
// root, so that the sync sees the patched dependency graph. The post-sync
// phase patches everything else.
type Plan struct {
	applier  *Applier
	req      Request
	root     string
	patched  []string
	gerritOK bool
}

// Plan returns the two-phase plan for req applied at root. A nil req yields a
// plan whose phases do nothing.
func (a *Applier) Plan(req Request, root string) *Plan {
	return &Plan{applier: a, req: req, root: root}
}

func (p *Plan) Root() string {
	return p.root
}

// Patched returns the paths the pre-sync phase applied, relative to the patch root.
func (p *Plan) Patched() []string {
	return p.patched
}

func (p *Plan) PreSync(ctx context.Context, solutions []Solution) error {
	if p.req == nil {
		return nil
	}

	var targets []string
	for _, s := range solutions {
		if p.root != s.Name && !strings.HasPrefix(s.Name, p.root+"/") {
			continue
		}
		relative := strings.TrimPrefix(strings.TrimPrefix(s.Name, p.root), "/")
		targets = append(targets, strings.TrimLeft(path.Join(relative, manifestName(s.DepsFile)), "/"))
	}
	if len(targets) == 0 {
		return nil
	}

	p.applier.log.Infof("patch root is %q, pre-sync targets are %v", p.root, targets)

	switch req := p.req.(type) {
	case ReviewPatch:
		if err := p.applier.ApplyReviewPatch(ctx, req, p.root, Filter{Whitelist: targets}); err != nil {
			return withPhase(err, PreSync)
		}
		p.patched = append(p.patched, targets...)
	case GerritRef:
		if err := p.applier.ApplyGerritRef(ctx, req, p.root); err != nil {
			return withPhase(err, PreSync)
		}
		p.gerritOK = true
	}
	return nil
}

func (p *Plan) PostSync(ctx context.Context) error {
	switch req := p.req.(type) {
	case ReviewPatch:
		if err := p.applier.ApplyReviewPatch(ctx, req, p.root, Filter{Blacklist: p.patched}); err != nil {
			return withPhase(err, PostSync)
		}
	case GerritRef:
		// A ref for the repository of a solution was applied before the sync;
		// refs for dependency repositories are applied once they exist.
		if p.gerritOK {
			return nil
		}
		if err := p.applier.ApplyGerritRef(ctx, req, p.root); err != nil {
			return withPhase(err, PostSync)
		}
	}
	return nil
}

// manifestName maps the generated manifest name back to the canonical one,
// since a review patch always touches the canonical file.
func manifestName(depsFile string) string {
	if depsFile == "" {
		return "DEPS"
	}
	return strings.ReplaceAll(depsFile, ".DEPS.git", "DEPS")
}

func withPhase(err error, phase Phase) error {
	var f *Failure
	if errors.As(err, &f) {
		f.Phase = phase
	}
	return err
}
