package resolver_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/quantkit/quantflow/internal/plugin/resolver"
	"github.com/quantkit/quantflow/pkg/plugin"
)

func manifest(name, version string, deps map[string]string) *plugin.Manifest {
	m := &plugin.Manifest{
		Name:         name,
		Version:      version,
		Description:  "fixture " + name,
		Category:     plugin.CategoryUtility,
		EntryPoint:   name,
		Dependencies: deps,
	}
	if err := m.Normalize(); err != nil {
		panic(err)
	}
	return m
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestResolve(t *testing.T) {
	t.Run("dependency precedes dependent", func(t *testing.T) {
		r := resolver.New(resolver.NewManifestSet(
			manifest("alpha", "1.0.0", nil),
			manifest("beta", "1.0.0", map[string]string{"alpha": ">=1.0.0"}),
		))
		order, err := r.Resolve([]string{"beta"})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if len(order) != 2 || order[0] != "alpha" || order[1] != "beta" {
			t.Errorf("order = %v, want [alpha beta]", order)
		}
	})

	t.Run("diamond graph is ordered and deduplicated", func(t *testing.T) {
		r := resolver.New(resolver.NewManifestSet(
			manifest("core", "2.1.0", nil),
			manifest("feed", "1.0.0", map[string]string{"core": "^2.0.0"}),
			manifest("risk", "1.0.0", map[string]string{"core": ">=2.0.0"}),
			manifest("strat", "1.0.0", map[string]string{"feed": "*", "risk": "*"}),
		))
		order, err := r.Resolve([]string{"strat"})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if len(order) != 4 {
			t.Fatalf("order = %v, want 4 unique plugins", order)
		}
		pairs := [][2]string{{"core", "feed"}, {"core", "risk"}, {"feed", "strat"}, {"risk", "strat"}}
		for _, p := range pairs {
			if indexOf(order, p[0]) >= indexOf(order, p[1]) {
				t.Errorf("order %v violates %s before %s", order, p[0], p[1])
			}
		}
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		set := resolver.NewManifestSet(
			manifest("aa", "1.0.0", nil),
			manifest("bb", "1.0.0", nil),
			manifest("cc", "1.0.0", map[string]string{"aa": "*", "bb": "*"}),
		)
		first, err := resolver.New(set).Resolve([]string{"cc"})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 5; i++ {
			again, err := resolver.New(set).Resolve([]string{"cc"})
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(first, ",") != strings.Join(again, ",") {
				t.Fatalf("order changed between runs: %v vs %v", first, again)
			}
		}
	})

	t.Run("cycle raises CircularError from either member", func(t *testing.T) {
		set := resolver.NewManifestSet(
			manifest("aa", "1.0.0", map[string]string{"bb": "*"}),
			manifest("bb", "1.0.0", map[string]string{"aa": "*"}),
		)
		for _, request := range []string{"aa", "bb"} {
			_, err := resolver.New(set).Resolve([]string{request})
			var ce *resolver.CircularError
			if !errors.As(err, &ce) {
				t.Fatalf("Resolve(%q) error = %v, want CircularError", request, err)
			}
			if len(ce.Cycle) < 3 || ce.Cycle[0] != ce.Cycle[len(ce.Cycle)-1] {
				t.Errorf("cycle path %v should start and end at the same plugin", ce.Cycle)
			}
		}
	})

	t.Run("missing dependency", func(t *testing.T) {
		r := resolver.New(resolver.NewManifestSet(
			manifest("beta", "1.0.0", map[string]string{"ghost": ">=1.0.0"}),
		))
		_, err := r.Resolve([]string{"beta"})
		var me *resolver.MissingError
		if !errors.As(err, &me) {
			t.Fatalf("error = %v, want MissingError", err)
		}
		if me.Plugin != "beta" || me.Dependency != "ghost" {
			t.Errorf("MissingError = %+v", me)
		}
	})

	t.Run("missing requested root", func(t *testing.T) {
		_, err := resolver.New(resolver.NewManifestSet()).Resolve([]string{"nobody"})
		var me *resolver.MissingError
		if !errors.As(err, &me) {
			t.Fatalf("error = %v, want MissingError", err)
		}
		if me.Plugin != "" || me.Dependency != "nobody" {
			t.Errorf("MissingError = %+v", me)
		}
	})

	t.Run("version conflict names range and actual", func(t *testing.T) {
		r := resolver.New(resolver.NewManifestSet(
			manifest("alpha", "1.0.0", nil),
			manifest("beta", "1.0.0", map[string]string{"alpha": ">=2.0.0"}),
		))
		_, err := r.Resolve([]string{"beta"})
		var ve *resolver.VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("error = %v, want VersionError", err)
		}
		if ve.Constraint != ">=2.0.0" || ve.Actual != "1.0.0" {
			t.Errorf("VersionError = %+v", ve)
		}
		for _, part := range []string{">=2.0.0", "1.0.0", "alpha", "beta"} {
			if !strings.Contains(err.Error(), part) {
				t.Errorf("message %q should mention %q", err.Error(), part)
			}
		}
	})

	t.Run("conflict detected across the transitive closure", func(t *testing.T) {
		// top depends on mid depends on base; base conflicts with side,
		// which top also pulls in. Neither conflicting plugin was
		// requested directly.
		base := manifest("base", "1.0.0", nil)
		base.Conflicts = []string{"side"}
		set := resolver.NewManifestSet(
			base,
			manifest("side", "1.0.0", nil),
			manifest("mid", "1.0.0", map[string]string{"base": "*"}),
			manifest("top", "1.0.0", map[string]string{"mid": "*", "side": "*"}),
		)
		_, err := resolver.New(set).Resolve([]string{"top"})
		var ce *resolver.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("error = %v, want ConflictError", err)
		}
		got := []string{ce.PluginA, ce.PluginB}
		if !(contains(got, "base") && contains(got, "side")) {
			t.Errorf("ConflictError names %v, want base and side", got)
		}
	})

	t.Run("one-sided declaration is mutual exclusion", func(t *testing.T) {
		a := manifest("aaa", "1.0.0", nil)
		a.Conflicts = []string{"bbb"}
		set := resolver.NewManifestSet(a, manifest("bbb", "1.0.0", nil))
		if _, err := resolver.New(set).Resolve([]string{"aaa", "bbb"}); err == nil {
			t.Error("Resolve should fail when either side declares the conflict")
		}
	})
}

func TestResolveCache(t *testing.T) {
	set := resolver.NewManifestSet(
		manifest("alpha", "1.0.0", nil),
		manifest("beta", "1.0.0", map[string]string{"alpha": "*"}),
	)
	r := resolver.New(set)

	if _, err := r.Resolve([]string{"beta"}); err != nil {
		t.Fatal(err)
	}
	// order and duplicates of the request do not change the key
	if _, err := r.Resolve([]string{"beta", "beta"}); err != nil {
		t.Fatal(err)
	}
	stats := r.Statistics()
	if stats.CachedResolutions != 1 {
		t.Errorf("CachedResolutions = %d, want 1", stats.CachedResolutions)
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.CacheHits, stats.CacheMisses)
	}

	t.Run("stale until cleared", func(t *testing.T) {
		// Mutate the source under the resolver: the cached order still
		// answers until the caller clears explicitly.
		set["gamma"] = manifest("gamma", "1.0.0", nil)
		set["beta"] = manifest("beta", "1.0.0", map[string]string{"alpha": "*", "gamma": "*"})

		order, err := r.Resolve([]string{"beta"})
		if err != nil {
			t.Fatal(err)
		}
		if contains(order, "gamma") {
			t.Errorf("cached order %v should not see the mutation yet", order)
		}

		r.ClearCache()
		order, err = r.Resolve([]string{"beta"})
		if err != nil {
			t.Fatal(err)
		}
		if !contains(order, "gamma") {
			t.Errorf("order %v should include gamma after ClearCache", order)
		}
		if r.Statistics().CachedResolutions != 1 {
			t.Errorf("cache should hold the fresh entry only")
		}
	})

	t.Run("cached result is a copy", func(t *testing.T) {
		order, err := r.Resolve([]string{"beta"})
		if err != nil {
			t.Fatal(err)
		}
		order[0] = "mutated"
		again, err := r.Resolve([]string{"beta"})
		if err != nil {
			t.Fatal(err)
		}
		if again[0] == "mutated" {
			t.Error("mutating a returned order corrupted the cache")
		}
	})
}

func TestCheckCompatibility(t *testing.T) {
	t.Run("clean set", func(t *testing.T) {
		issues := resolver.CheckCompatibility([]*plugin.Manifest{
			manifest("alpha", "1.0.0", nil),
			manifest("beta", "1.0.0", map[string]string{"alpha": ">=1.0.0"}),
		})
		if len(issues) != 0 {
			t.Errorf("unexpected issues: %v", issues)
		}
	})

	t.Run("version mismatch inside the set", func(t *testing.T) {
		issues := resolver.CheckCompatibility([]*plugin.Manifest{
			manifest("alpha", "1.0.0", nil),
			manifest("beta", "1.0.0", map[string]string{"alpha": ">=2.0.0"}),
		})
		if len(issues["beta"]) != 1 || !strings.Contains(issues["beta"][0], "1.0.0") {
			t.Errorf("issues = %v", issues)
		}
	})

	t.Run("conflict reported on both sides", func(t *testing.T) {
		a := manifest("alpha", "1.0.0", nil)
		a.Conflicts = []string{"beta"}
		issues := resolver.CheckCompatibility([]*plugin.Manifest{a, manifest("beta", "1.0.0", nil)})
		if len(issues["alpha"]) == 0 || len(issues["beta"]) == 0 {
			t.Errorf("issues = %v, want entries for both plugins", issues)
		}
	})

	t.Run("absent dependency is an issue not an error", func(t *testing.T) {
		issues := resolver.CheckCompatibility([]*plugin.Manifest{
			manifest("beta", "1.0.0", map[string]string{"ghost": "*"}),
		})
		if len(issues["beta"]) != 1 || !strings.Contains(issues["beta"][0], "ghost") {
			t.Errorf("issues = %v", issues)
		}
	})

	t.Run("duplicate names", func(t *testing.T) {
		issues := resolver.CheckCompatibility([]*plugin.Manifest{
			manifest("alpha", "1.0.0", nil),
			manifest("alpha", "2.0.0", nil),
		})
		if len(issues["alpha"]) == 0 {
			t.Errorf("issues = %v, want duplicate report", issues)
		}
	})
}

func TestDependencyTree(t *testing.T) {
	r := resolver.New(resolver.NewManifestSet(
		manifest("core", "2.0.0", nil),
		manifest("feed", "1.1.0", map[string]string{"core": "^2.0.0"}),
		manifest("strat", "1.0.0", map[string]string{"feed": ">=1.0.0", "core": "*"}),
	))

	tree, err := r.DependencyTree("strat")
	if err != nil {
		t.Fatalf("DependencyTree failed: %v", err)
	}
	if tree.Name != "strat" || tree.Version != "1.0.0" || tree.Constraint != "" {
		t.Errorf("root = %+v", tree)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(tree.Children))
	}
	// children are sorted: core before feed
	if tree.Children[0].Name != "core" || tree.Children[0].Constraint != "*" {
		t.Errorf("first child = %+v", tree.Children[0])
	}
	feed := tree.Children[1]
	if feed.Name != "feed" || len(feed.Children) != 1 || feed.Children[0].Name != "core" {
		t.Errorf("feed subtree = %+v", feed)
	}
	if feed.Children[0].Constraint != "^2.0.0" {
		t.Errorf("feed->core constraint = %q", feed.Children[0].Constraint)
	}

	t.Run("missing node", func(t *testing.T) {
		if _, err := r.DependencyTree("ghost"); err == nil {
			t.Error("DependencyTree on unknown root should fail")
		}
	})

	t.Run("cyclic source hits the depth guard", func(t *testing.T) {
		cyclic := resolver.New(resolver.NewManifestSet(
			manifest("aa", "1.0.0", map[string]string{"bb": "*"}),
			manifest("bb", "1.0.0", map[string]string{"aa": "*"}),
		))
		_, err := cyclic.DependencyTree("aa")
		var ce *resolver.CircularError
		if !errors.As(err, &ce) {
			t.Errorf("error = %v, want CircularError", err)
		}
	})
}

func TestUpdatePath(t *testing.T) {
	plan := resolver.UpdatePath(
		[]string{"alpha", "beta", "gamma"},
		[]string{"beta", "gamma", "delta"},
	)
	if !equal(plan.Add, []string{"delta"}) {
		t.Errorf("Add = %v", plan.Add)
	}
	if !equal(plan.Remove, []string{"alpha"}) {
		t.Errorf("Remove = %v", plan.Remove)
	}
	if !equal(plan.Keep, []string{"beta", "gamma"}) {
		t.Errorf("Keep = %v", plan.Keep)
	}

	t.Run("no reordering or expansion", func(t *testing.T) {
		// UpdatePath is pure set arithmetic: dependencies of added
		// plugins are not pulled in here.
		plan := resolver.UpdatePath(nil, []string{"strat"})
		if !equal(plan.Add, []string{"strat"}) || len(plan.Keep) != 0 || len(plan.Remove) != 0 {
			t.Errorf("plan = %+v", plan)
		}
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
