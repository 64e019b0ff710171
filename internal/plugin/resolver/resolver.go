// Package resolver computes safe plugin load orders over a manifest
// source: topological ordering with cycle detection, version-range
// checking, conflict detection across the transitive closure, dependency
// trees and update plans.
//
// Resolution is all-or-nothing for one requested set: any circular,
// missing, version or conflict problem aborts the whole request with a
// distinct error type.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quantkit/quantflow/pkg/plugin"
)

// maxTreeDepth bounds DependencyTree recursion so a cyclic source cannot
// recurse forever. Resolve remains the authoritative cycle detector.
const maxTreeDepth = 100

// Source supplies manifests to resolve against. *Registry implements it;
// ManifestSet adapts a standalone manifest list.
type Source interface {
	Get(name string) (*plugin.Manifest, bool)
	List() []*plugin.Manifest
}

// ManifestSet is an in-memory Source built from a manifest slice.
type ManifestSet map[string]*plugin.Manifest

// NewManifestSet builds a Source from standalone manifests. Later
// duplicates of a name replace earlier ones.
func NewManifestSet(ms ...*plugin.Manifest) ManifestSet {
	set := make(ManifestSet, len(ms))
	for _, m := range ms {
		if m != nil {
			set[m.Name] = m
		}
	}
	return set
}

func (s ManifestSet) Get(name string) (*plugin.Manifest, bool) {
	m, ok := s[name]
	return m, ok
}

func (s ManifestSet) List() []*plugin.Manifest {
	out := make([]*plugin.Manifest, 0, len(s))
	for _, m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats reports resolver cache state.
type Stats struct {
	CachedResolutions int
	CacheHits         int
	CacheMisses       int
	Keys              []string
}

// Observer is notified of cache outcomes; used to feed external counters.
type Observer interface {
	OnCacheHit()
	OnCacheMiss()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObserver registers a cache observer.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

// Resolver computes load orders against a Source. Results are cached by
// the exact requested set; the cache is never invalidated automatically;
// callers that mutate the source must call ClearCache.
type Resolver struct {
	source   Source
	observer Observer

	mu     sync.Mutex
	cache  map[string][]string
	hits   int
	misses int
}

// New creates a resolver over the given source.
func New(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source: source,
		cache:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a load order for the requested plugins and their full
// transitive dependency closure. The order is a topological extension of
// the dependency partial order: every dependency strictly precedes every
// dependent. Traversal is depth-first with recursion-stack coloring for
// cycle detection and sorted children for determinism.
//
// Failure modes, each raised as a distinct error type: *CircularError,
// *MissingError, *VersionError, *ConflictError.
func (r *Resolver) Resolve(names []string) ([]string, error) {
	key := cacheKey(names)

	r.mu.Lock()
	if order, ok := r.cache[key]; ok {
		r.hits++
		r.mu.Unlock()
		if r.observer != nil {
			r.observer.OnCacheHit()
		}
		return append([]string(nil), order...), nil
	}
	r.misses++
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.OnCacheMiss()
	}

	order, err := r.resolve(names)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = append([]string(nil), order...)
	r.mu.Unlock()
	return order, nil
}

// ClearCache empties the result cache.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string][]string)
}

// Statistics reports cache occupancy and hit counters.
func (r *Resolver) Statistics() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.cache))
	for k := range r.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Stats{
		CachedResolutions: len(r.cache),
		CacheHits:         r.hits,
		CacheMisses:       r.misses,
		Keys:              keys,
	}
}

const (
	white = iota // unvisited
	gray         // on the recursion stack
	black        // done
)

type traversal struct {
	source    Source
	colors    map[string]int
	stack     []string
	order     []string
	manifests map[string]*plugin.Manifest
}

func (r *Resolver) resolve(names []string) ([]string, error) {
	t := &traversal{
		source:    r.source,
		colors:    make(map[string]int),
		manifests: make(map[string]*plugin.Manifest),
	}

	roots := append([]string(nil), names...)
	sort.Strings(roots)
	for _, name := range roots {
		if err := t.visit(name, ""); err != nil {
			return nil, err
		}
	}

	// Conflict detection runs over the full transitive closure, not just
	// the requested names: a conflict deep in the graph is as fatal as one
	// between the roots.
	for i, a := range t.order {
		ma := t.manifests[a]
		for _, b := range t.order[i+1:] {
			mb := t.manifests[b]
			if declaresConflict(ma, b) || declaresConflict(mb, a) {
				return nil, &ConflictError{PluginA: a, PluginB: b}
			}
		}
	}
	return t.order, nil
}

// visit walks name's dependency subtree depth-first. requiredBy is the
// dependent that referenced name, empty for a directly requested root.
func (t *traversal) visit(name, requiredBy string) error {
	switch t.colors[name] {
	case black:
		return nil
	case gray:
		return &CircularError{Cycle: t.cyclePath(name)}
	}

	m, ok := t.source.Get(name)
	if !ok {
		return &MissingError{Plugin: requiredBy, Dependency: name}
	}

	t.colors[name] = gray
	t.stack = append(t.stack, name)

	deps := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	for _, dep := range deps {
		spec := m.Dependencies[dep]
		if err := t.checkVersion(m, dep, spec); err != nil {
			return err
		}
		if err := t.visit(dep, name); err != nil {
			return err
		}
	}

	t.stack = t.stack[:len(t.stack)-1]
	t.colors[name] = black
	t.order = append(t.order, name)
	t.manifests[name] = m
	return nil
}

// checkVersion verifies the registered version of dep satisfies the range
// m declares. Absence is left to visit so cycle detection still runs on
// back edges.
func (t *traversal) checkVersion(m *plugin.Manifest, dep, spec string) error {
	dm, ok := t.source.Get(dep)
	if !ok {
		return nil
	}
	c, err := plugin.ParseConstraint(spec)
	if err != nil {
		return fmt.Errorf("plugin %q: dependency %q: %w", m.Name, dep, err)
	}
	v, err := plugin.ParseVersion(dm.Version)
	if err != nil {
		return fmt.Errorf("plugin %q: %w", dep, err)
	}
	if !c.Check(v) {
		return &VersionError{
			Plugin:     m.Name,
			Dependency: dep,
			Constraint: spec,
			Actual:     dm.Version,
		}
	}
	return nil
}

// cyclePath reconstructs the cycle ending at name from the recursion
// stack.
func (t *traversal) cyclePath(name string) []string {
	for i, n := range t.stack {
		if n == name {
			cycle := append([]string(nil), t.stack[i:]...)
			return append(cycle, name)
		}
	}
	return []string{name, name}
}

func declaresConflict(m *plugin.Manifest, other string) bool {
	for _, c := range m.Conflicts {
		if c == other {
			return true
		}
	}
	return false
}

// CheckCompatibility is a pure, source-independent pre-flight check of a
// manifest bundle: duplicate names, declared conflicts within the set, and
// dependency version consistency. It returns a map of plugin name to issue
// list and never raises; dependencies absent from the set are reported as
// issues rather than errors since the bundle may be registered into a
// registry that already has them.
func CheckCompatibility(manifests []*plugin.Manifest) map[string][]string {
	issues := make(map[string][]string)
	add := func(name, issue string) {
		issues[name] = append(issues[name], issue)
	}

	byName := make(map[string]*plugin.Manifest, len(manifests))
	for _, m := range manifests {
		if m == nil {
			continue
		}
		if _, dup := byName[m.Name]; dup {
			add(m.Name, "duplicate manifest in set")
			continue
		}
		byName[m.Name] = m
	}

	for _, m := range byName {
		for _, other := range m.Conflicts {
			if _, present := byName[other]; present {
				add(m.Name, fmt.Sprintf("conflicts with %q which is also in the set", other))
				add(other, fmt.Sprintf("%q declares a conflict with this plugin", m.Name))
			}
		}
		for dep, spec := range m.Dependencies {
			dm, present := byName[dep]
			if !present {
				add(m.Name, fmt.Sprintf("depends on %q which is not in the set", dep))
				continue
			}
			c, err := plugin.ParseConstraint(spec)
			if err != nil {
				add(m.Name, fmt.Sprintf("dependency %q: unparseable constraint %q", dep, spec))
				continue
			}
			ok, err := c.CheckString(dm.Version)
			if err != nil {
				add(m.Name, fmt.Sprintf("dependency %q: unparseable version %q", dep, dm.Version))
				continue
			}
			if !ok {
				add(m.Name, fmt.Sprintf("requires %q version %q but %q is in the set", dep, spec, dm.Version))
			}
		}
	}

	for name := range issues {
		sort.Strings(issues[name])
	}
	return issues
}

// TreeNode is one node of an expanded dependency tree.
type TreeNode struct {
	Name       string
	Version    string
	Constraint string // the range that selected this node; empty at the root
	Children   []*TreeNode
}

// DependencyTree recursively expands root's declared dependencies into a
// nested tree. The graph is assumed acyclic (Resolve validates that); as a
// guard, recursion deeper than maxTreeDepth returns a *CircularError.
func (r *Resolver) DependencyTree(root string) (*TreeNode, error) {
	return r.expand(root, "", "", 0, []string{})
}

func (r *Resolver) expand(name, constraint, requiredBy string, depth int, path []string) (*TreeNode, error) {
	if depth > maxTreeDepth {
		return nil, &CircularError{Cycle: append(append([]string(nil), path...), name)}
	}
	m, ok := r.source.Get(name)
	if !ok {
		return nil, &MissingError{Plugin: requiredBy, Dependency: name}
	}

	node := &TreeNode{Name: name, Version: m.Version, Constraint: constraint}
	deps := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	for _, dep := range deps {
		child, err := r.expand(dep, m.Dependencies[dep], name, depth+1, append(path, name))
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// UpdatePlan is the set arithmetic between a current and a target plugin
// selection. No dependency-aware reordering is performed; feed Add through
// Resolve to load in a safe order.
type UpdatePlan struct {
	Add    []string
	Remove []string
	Keep   []string
}

// UpdatePath computes which plugins to add, remove and keep when moving
// from current to target.
func UpdatePath(current, target []string) UpdatePlan {
	cur := toSet(current)
	tgt := toSet(target)

	var plan UpdatePlan
	for name := range tgt {
		if cur[name] {
			plan.Keep = append(plan.Keep, name)
		} else {
			plan.Add = append(plan.Add, name)
		}
	}
	for name := range cur {
		if !tgt[name] {
			plan.Remove = append(plan.Remove, name)
		}
	}
	sort.Strings(plan.Add)
	sort.Strings(plan.Remove)
	sort.Strings(plan.Keep)
	return plan
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// cacheKey canonicalizes a requested set: order and duplicates do not
// change the key.
func cacheKey(names []string) string {
	set := toSet(names)
	uniq := make([]string, 0, len(set))
	for n := range set {
		uniq = append(uniq, n)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ",")
}
