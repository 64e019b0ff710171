//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantkit/quantflow/internal/plugin"
)

// writeScriptPlugin lays out root/<name>/ as a discoverable script plugin
// with the given manifest dependencies.
func writeScriptPlugin(t *testing.T, root, name, category, version string, deps map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := fmt.Sprintf(
		"name: %s\nversion: %s\ndescription: Integration fixture %s.\ncategory: %s\nentry_point: main.js\nrequires:\n  - event.bus\n",
		name, version, name, category,
	)
	if len(deps) > 0 {
		manifest += "dependencies:\n"
		for dep, constraint := range deps {
			manifest += fmt.Sprintf("  %s: %q\n", dep, constraint)
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644))

	script := fmt.Sprintf(`var manifest = {
    name: %q,
    version: %q,
    description: "Integration fixture %s.",
    category: %q,
    entry_point: "main.js",
};
var running = false;
function init(cfg) {}
function start() { running = true; }
function stop() { running = false; }
`, name, version, name, category)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte(script), 0o644))
}

// newKernel assembles a complete kernel over root: registry, host with the
// event broker and trading calendar, metrics, resource monitor and loader.
func newKernel(t *testing.T, root string) (*plugin.Manager, *plugin.Loader, *plugin.EventBroker) {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)

	broker := plugin.NewEventBroker()
	metrics := plugin.NewMetrics()
	host := plugin.NewProdHost(
		plugin.WithHostLogger(discard),
		plugin.WithHostPublisher(broker),
		plugin.WithHostCalendar(plugin.DefaultTradingCalendar()),
		plugin.WithHostMetrics(metrics),
	)

	settings := plugin.DefaultSettings()
	settings.PluginDirs = []string{root}

	monitor := plugin.NewResourceMonitor(
		plugin.WithPollInterval(50*time.Millisecond),
		plugin.WithMonitorLogger(discard),
		plugin.WithMonitorMetrics(metrics),
	)
	monitor.Start()
	t.Cleanup(monitor.Stop)

	mgr, err := plugin.NewManager(plugin.NewRegistry(plugin.WithRegistryLogger(discard)),
		plugin.WithLogger(discard),
		plugin.WithSettings(settings),
		plugin.WithHost(host),
		plugin.WithPublisher(broker),
		plugin.WithMetrics(metrics),
		plugin.WithMonitor(monitor),
	)
	require.NoError(t, err, "kernel construction should succeed")
	t.Cleanup(mgr.Close)

	loader := plugin.NewLoader(mgr, plugin.WithLoaderLogger(discard))
	t.Cleanup(loader.Close)
	return mgr, loader, broker
}

// drainKinds collects event kinds from ch until want have arrived or the
// deadline passes.
func drainKinds(ch chan plugin.Event, want int, timeout time.Duration) []string {
	var kinds []string
	deadline := time.After(timeout)
	for len(kinds) < want {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-deadline:
			return kinds
		}
	}
	return kinds
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestKernelEndToEnd(t *testing.T) {
	root := t.TempDir()
	writeScriptPlugin(t, root, "minute-feed", "data_source", "1.2.0", nil)
	writeScriptPlugin(t, root, "sma-strategy", "strategy", "1.0.0", map[string]string{
		"minute-feed": ">=1.0.0, <2.0.0",
	})

	mgr, loader, broker := newKernel(t, root)
	ctx := context.Background()

	count, errs := loader.DiscoverAll()
	require.Empty(t, errs, "discovery should report no errors")
	require.Equal(t, 2, count, "both fixture plugins should be discovered")

	t.Run("discovery registers manifests and factories", func(t *testing.T) {
		mf, ok := mgr.Registry().Get("sma-strategy")
		require.True(t, ok, "strategy manifest should be registered")
		assert.Equal(t, "1.0.0", mf.Version)
		assert.True(t, mgr.HasFactory("minute-feed"), "script entry point should be bound")
		assert.True(t, mgr.HasFactory("sma-strategy"), "script entry point should be bound")
	})

	t.Run("loading the strategy pulls in its dependency first", func(t *testing.T) {
		all := broker.Subscribe("")
		defer broker.Unsubscribe(all)

		require.NoError(t, mgr.LoadPlugin(ctx, "sma-strategy", nil), "load should succeed")

		feedState, ok := mgr.PluginState("minute-feed")
		require.True(t, ok, "dependency should have been loaded")
		assert.Equal(t, plugin.StateInitialized, feedState)
		stratState, _ := mgr.PluginState("sma-strategy")
		assert.Equal(t, plugin.StateInitialized, stratState)

		kinds := drainKinds(all, 2, 2*time.Second)
		require.Len(t, kinds, 2, "both loads should publish an event")
		assert.Equal(t, []string{plugin.EventLoaded, plugin.EventLoaded}, kinds)
	})

	t.Run("full lifecycle with filtered event stream", func(t *testing.T) {
		own := broker.Subscribe("sma-strategy")
		defer broker.Unsubscribe(own)

		require.NoError(t, mgr.StartPlugin(ctx, "minute-feed"))
		require.NoError(t, mgr.StartPlugin(ctx, "sma-strategy"))
		require.NoError(t, mgr.PausePlugin(ctx, "sma-strategy"))
		require.NoError(t, mgr.ResumePlugin(ctx, "sma-strategy"))
		require.NoError(t, mgr.StopPlugin(ctx, "sma-strategy"))

		want := []string{
			plugin.EventStarted,
			plugin.EventPaused,
			plugin.EventResumed,
			plugin.EventStopped,
		}
		kinds := drainKinds(own, len(want), 2*time.Second)
		assert.Equal(t, want, kinds, "filtered stream should carry the strategy's transitions in order")
	})

	t.Run("illegal transitions are refused", func(t *testing.T) {
		err := mgr.StartPlugin(ctx, "sma-strategy")
		require.Error(t, err, "stopped plugins cannot be restarted")
		var terr *plugin.TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, plugin.StateStopped, terr.From)
	})

	t.Run("reload returns the plugin to initialized", func(t *testing.T) {
		require.NoError(t, mgr.Reload(ctx, "sma-strategy"), "reload should succeed")
		state, ok := mgr.PluginState("sma-strategy")
		require.True(t, ok)
		assert.Equal(t, plugin.StateInitialized, state)
	})

	t.Run("monitor samples loaded plugins", func(t *testing.T) {
		waitFor(t, 2*time.Second, func() bool {
			_, ok := mgr.Monitor().Usage("sma-strategy")
			return ok
		}, "a resource sample for sma-strategy")

		usage, _ := mgr.Monitor().Usage("sma-strategy")
		assert.Greater(t, usage.Goroutines, 0, "sample should carry process goroutine count")
		assert.False(t, usage.SampledAt.IsZero(), "sample should be timestamped")
	})

	t.Run("permission grants survive lifecycle churn", func(t *testing.T) {
		mgr.Permissions().Grant("sma-strategy", plugin.PermNetworkAccess)
		require.NoError(t, mgr.Reload(ctx, "sma-strategy"))
		assert.True(t, mgr.Permissions().Has("sma-strategy", plugin.PermNetworkAccess),
			"grant should survive a reload")
	})

	t.Run("statistics reflect the kernel state", func(t *testing.T) {
		stats := mgr.Statistics()
		assert.Equal(t, 2, stats.Registered)
		assert.Equal(t, 2, stats.Loaded)
		assert.NotZero(t, stats.ByState["INITIALIZED"]+stats.ByState["STARTED"])
	})

	t.Run("stop all unwinds in reverse dependency order", func(t *testing.T) {
		require.NoError(t, mgr.StartPlugin(ctx, "sma-strategy"))

		stopped, errs := mgr.StopAll(ctx)
		assert.Empty(t, errs, "StopAll should succeed")
		assert.Equal(t, 2, stopped, "both running plugins should be stopped")
		for _, name := range []string{"minute-feed", "sma-strategy"} {
			state, ok := mgr.PluginState(name)
			require.True(t, ok, "%s should still be tracked", name)
			assert.Equal(t, plugin.StateStopped, state, "%s should be stopped", name)
		}
	})
}

func TestKernelHotReloadFromDisk(t *testing.T) {
	root := t.TempDir()
	writeScriptPlugin(t, root, "vwap-feed", "data_source", "1.0.0", nil)

	mgr, loader, _ := newKernel(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, errs := loader.DiscoverAll()
	require.Empty(t, errs)
	require.NoError(t, mgr.LoadPlugin(ctx, "vwap-feed", nil))
	require.NoError(t, mgr.StartPlugin(ctx, "vwap-feed"))
	require.NoError(t, loader.Watch(ctx), "watcher should start")

	// Rewrite the plugin on disk with a new version; the watcher should
	// re-register it and bring it back to STARTED.
	writeScriptPlugin(t, root, "vwap-feed", "data_source", "1.1.0", nil)

	waitFor(t, 10*time.Second, func() bool {
		mf, ok := mgr.Registry().Get("vwap-feed")
		if !ok || mf.Version != "1.1.0" {
			return false
		}
		state, ok := mgr.PluginState("vwap-feed")
		return ok && state == plugin.StateStarted
	}, "the rewritten plugin to be re-registered and restarted")
}

func TestKernelConcurrentLifecycle(t *testing.T) {
	const numPlugins = 8
	const cyclesPerPlugin = 5

	root := t.TempDir()
	names := make([]string, numPlugins)
	for i := range names {
		names[i] = fmt.Sprintf("worker-%02d", i)
		writeScriptPlugin(t, root, names[i], "utility", "1.0.0", nil)
	}

	mgr, loader, _ := newKernel(t, root)
	ctx := context.Background()

	count, errs := loader.DiscoverAll()
	require.Empty(t, errs)
	require.Equal(t, numPlugins, count)

	errCh := make(chan error, numPlugins*cyclesPerPlugin)
	doneCh := make(chan bool, numPlugins)

	for _, name := range names {
		go func(name string) {
			for j := 0; j < cyclesPerPlugin; j++ {
				if err := cycle(ctx, mgr, name); err != nil {
					errCh <- fmt.Errorf("%s cycle %d: %w", name, j, err)
				}
			}
			doneCh <- true
		}(name)
	}

	for i := 0; i < numPlugins; i++ {
		<-doneCh
	}
	close(errCh)

	var cycleErrs []error
	for err := range errCh {
		cycleErrs = append(cycleErrs, err)
	}
	assert.Empty(t, cycleErrs, "no errors should occur during concurrent lifecycles")

	assert.Empty(t, mgr.Loaded(), "every plugin should end unloaded")
	assert.Equal(t, numPlugins, mgr.Statistics().Registered, "registrations should survive unload")
}

// cycle drives one plugin through a complete lifecycle.
func cycle(ctx context.Context, mgr *plugin.Manager, name string) error {
	if err := mgr.LoadPlugin(ctx, name, nil); err != nil {
		return err
	}
	if err := mgr.StartPlugin(ctx, name); err != nil {
		return err
	}
	if err := mgr.PausePlugin(ctx, name); err != nil {
		return err
	}
	if err := mgr.ResumePlugin(ctx, name); err != nil {
		return err
	}
	if err := mgr.StopPlugin(ctx, name); err != nil {
		return err
	}
	return mgr.UnloadPlugin(ctx, name)
}
