package plugin

import (
	"github.com/hashicorp/go-hclog"
)

// Resolver orders manifests so that dependencies load before dependents.
type Resolver struct {
	log hclog.Logger
}

// NewResolver creates a dependency resolver.
func NewResolver(log hclog.Logger) *Resolver {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Resolver{log: log.Named("resolver")}
}

// Order returns the manifests in dependency order via depth-first
// topological sort.
//
// Ordering is best-effort, never rejecting a batch: a cycle breaks that
// branch with a warning and the plugin is still emitted exactly once; a
// declared dependency absent from the set is logged as missing but does not
// block the dependent. Plugins unrelated by edges keep their input order.
func (r *Resolver) Order(manifests []*Manifest) []*Manifest {
	byName := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		byName[m.Name] = m
	}

	ordered := make([]*Manifest, 0, len(manifests))
	visited := make(map[string]bool, len(manifests))
	visiting := make(map[string]bool)

	var visit func(m *Manifest)
	visit = func(m *Manifest) {
		if visited[m.Name] {
			return
		}
		if visiting[m.Name] {
			r.log.Warn("dependency cycle detected", "plugin", m.Name)
			return
		}
		visiting[m.Name] = true

		for _, dep := range m.Dependencies {
			depManifest, ok := byName[dep]
			if !ok {
				r.log.Warn("declared dependency not found", "plugin", m.Name, "dependency", dep)
				continue
			}
			visit(depManifest)
		}

		delete(visiting, m.Name)
		visited[m.Name] = true
		ordered = append(ordered, m)
	}

	for _, m := range manifests {
		visit(m)
	}
	return ordered
}
