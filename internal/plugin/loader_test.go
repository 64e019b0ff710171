package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantkit/quantflow/internal/plugin/packaging"
	"github.com/quantkit/quantflow/internal/plugin/signing"
)

func loaderScript(name, version string) string {
	return fmt.Sprintf(`var manifest = {
    name: %q,
    version: %q,
    description: "Strategy under test.",
    category: "strategy",
    entry_point: "strategy.js",
};
function init(cfg) {}
function start() {}
`, name, version)
}

// writeLoaderPlugin lays out root/<name>/ with a manifest and a script
// entry point, returning the plugin directory.
func writeLoaderPlugin(t *testing.T, root, name, version string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := fmt.Sprintf(
		"name: %s\nversion: %s\ndescription: Strategy under test.\ncategory: strategy\nentry_point: strategy.js\n",
		name, version,
	)
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "strategy.js"), []byte(loaderScript(name, version)), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newLoaderKernel(t *testing.T, settings *Settings) (*Manager, *Loader) {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)
	mgr, err := NewManager(NewRegistry(WithRegistryLogger(discard)),
		WithLogger(discard),
		WithSettings(settings),
		WithHost(NewProdHost(WithHostLogger(discard))),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Close)
	return mgr, NewLoader(mgr, WithLoaderLogger(discard))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoaderDiscoverAll(t *testing.T) {
	root := t.TempDir()
	writeLoaderPlugin(t, root, "macd-strategy", "1.0.0")

	// A manifest-only plugin: binary entry point, no factory to bind.
	flatDir := filepath.Join(root, "flat-fee")
	if err := os.MkdirAll(flatDir, 0o755); err != nil {
		t.Fatal(err)
	}
	flat := "name: flat-fee\nversion: 2.0.0\ndescription: Flat per-order commission.\ncategory: commission\nentry_point: flatfee.so\n"
	if err := os.WriteFile(filepath.Join(flatDir, "plugin.yaml"), []byte(flat), 0o644); err != nil {
		t.Fatal(err)
	}
	// Stray files in the root are not plugin directories.
	os.WriteFile(filepath.Join(root, "README.md"), []byte("notes"), 0o644)

	settings := DefaultSettings()
	settings.PluginDirs = []string{root}
	mgr, ld := newLoaderKernel(t, settings)

	count, errs := ld.DiscoverAll()
	if len(errs) != 0 {
		t.Fatalf("DiscoverAll errors: %v", errs)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if !mgr.HasFactory("macd-strategy") {
		t.Error("script plugin has no factory bound")
	}
	if mgr.HasFactory("flat-fee") {
		t.Error("factory bound for a binary entry point")
	}
	if dir, ok := mgr.Registry().SourcePath("macd-strategy"); !ok || dir != filepath.Join(root, "macd-strategy") {
		t.Errorf("source path = %q, %v", dir, ok)
	}

	ctx := t.Context()
	if err := mgr.LoadPlugin(ctx, "macd-strategy", nil); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}
	if st, _ := mgr.PluginState("macd-strategy"); st != StateInitialized {
		t.Fatalf("state = %v, want INITIALIZED", st)
	}
}

func TestLoaderDiscoverAllCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-yet")
	settings := DefaultSettings()
	settings.PluginDirs = []string{root}
	_, ld := newLoaderKernel(t, settings)

	count, errs := ld.DiscoverAll()
	if len(errs) != 0 || count != 0 {
		t.Fatalf("count = %d, errs = %v", count, errs)
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		t.Fatalf("plugin root was not created: %v", err)
	}
}

func TestLoaderBundles(t *testing.T) {
	makeBundle := func(t *testing.T, root string) string {
		t.Helper()
		srcDir := writeLoaderPlugin(t, t.TempDir(), "vwap-feed", "1.2.0")
		bundle := filepath.Join(root, "vwap-feed.zip")
		if err := packaging.Pack(srcDir, bundle); err != nil {
			t.Fatal(err)
		}
		return bundle
	}

	t.Run("unsigned accepted by default", func(t *testing.T) {
		root := t.TempDir()
		makeBundle(t, root)

		settings := DefaultSettings()
		settings.PluginDirs = []string{root}
		mgr, ld := newLoaderKernel(t, settings)

		count, errs := ld.DiscoverAll()
		if len(errs) != 0 || count != 1 {
			t.Fatalf("count = %d, errs = %v", count, errs)
		}
		if _, err := os.Stat(filepath.Join(root, "vwap-feed", "plugin.yaml")); err != nil {
			t.Fatalf("bundle was not unpacked: %v", err)
		}
		if !mgr.HasFactory("vwap-feed") {
			t.Error("unpacked script plugin has no factory")
		}
	})

	t.Run("unsigned rejected when signatures required", func(t *testing.T) {
		root := t.TempDir()
		makeBundle(t, root)
		_, pubKey, err := signing.GenerateKeyPair(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}

		settings := DefaultSettings()
		settings.PluginDirs = []string{root}
		settings.RequireSignature = true
		settings.TrustedKeyFile = pubKey
		mgr, ld := newLoaderKernel(t, settings)

		count, errs := ld.DiscoverAll()
		if count != 0 || len(errs) == 0 {
			t.Fatalf("count = %d, errs = %v", count, errs)
		}
		if !strings.Contains(errs[0].Error(), "bundle") {
			t.Errorf("err = %v", errs[0])
		}
		if mgr.Registry().Len() != 0 {
			t.Error("rejected bundle was registered")
		}
	})

	t.Run("signed accepted when signatures required", func(t *testing.T) {
		root := t.TempDir()
		bundle := makeBundle(t, root)
		privKey, pubKey, err := signing.GenerateKeyPair(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := signing.SignBundle(bundle, privKey); err != nil {
			t.Fatal(err)
		}

		settings := DefaultSettings()
		settings.PluginDirs = []string{root}
		settings.RequireSignature = true
		settings.TrustedKeyFile = pubKey
		mgr, ld := newLoaderKernel(t, settings)

		count, errs := ld.DiscoverAll()
		if len(errs) != 0 || count != 1 {
			t.Fatalf("count = %d, errs = %v", count, errs)
		}
		if _, ok := mgr.Registry().Get("vwap-feed"); !ok {
			t.Error("signed bundle was not registered")
		}
	})
}

func TestLoaderWatchScriptReload(t *testing.T) {
	root := t.TempDir()
	dir := writeLoaderPlugin(t, root, "macd-strategy", "1.0.0")

	settings := DefaultSettings()
	settings.PluginDirs = []string{root}
	mgr, ld := newLoaderKernel(t, settings)
	if _, errs := ld.DiscoverAll(); len(errs) != 0 {
		t.Fatalf("DiscoverAll errors: %v", errs)
	}

	ctx := t.Context()
	if err := mgr.LoadPlugin(ctx, "macd-strategy", nil); err != nil {
		t.Fatal(err)
	}
	if err := mgr.StartPlugin(ctx, "macd-strategy"); err != nil {
		t.Fatal(err)
	}

	if err := ld.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(ld.Close)

	script := loaderScript("macd-strategy", "1.1.0")
	if err := os.WriteFile(filepath.Join(dir, "strategy.js"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mf, ok := mgr.Registry().Get("macd-strategy")
		return ok && mf.Version == "1.1.0"
	}, "registry to pick up version 1.1.0")

	// The plugin was running, so the reload brings it back to STARTED.
	waitFor(t, 5*time.Second, func() bool {
		st, ok := mgr.PluginState("macd-strategy")
		return ok && st == StateStarted
	}, "plugin to restart after reload")
}

func TestLoaderWatchNewPlugin(t *testing.T) {
	root := t.TempDir()
	settings := DefaultSettings()
	settings.PluginDirs = []string{root}
	mgr, ld := newLoaderKernel(t, settings)

	if _, errs := ld.DiscoverAll(); len(errs) != 0 {
		t.Fatalf("DiscoverAll errors: %v", errs)
	}
	if err := ld.Watch(t.Context()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(ld.Close)

	writeLoaderPlugin(t, root, "late-strategy", "0.1.0")

	waitFor(t, 5*time.Second, func() bool {
		_, ok := mgr.Registry().Get("late-strategy")
		return ok && mgr.HasFactory("late-strategy")
	}, "late plugin to be discovered")
}

func TestLoaderWatchRemovePlugin(t *testing.T) {
	root := t.TempDir()
	dir := writeLoaderPlugin(t, root, "macd-strategy", "1.0.0")

	settings := DefaultSettings()
	settings.PluginDirs = []string{root}
	mgr, ld := newLoaderKernel(t, settings)
	if _, errs := ld.DiscoverAll(); len(errs) != 0 {
		t.Fatalf("DiscoverAll errors: %v", errs)
	}

	ctx := t.Context()
	if err := mgr.LoadPlugin(ctx, "macd-strategy", nil); err != nil {
		t.Fatal(err)
	}
	if err := ld.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(ld.Close)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		_, registered := mgr.Registry().Get("macd-strategy")
		_, loaded := mgr.PluginState("macd-strategy")
		return !registered && !loaded
	}, "removed plugin to be deregistered")
}
