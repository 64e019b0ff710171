package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/quantkit/quantflow/internal/plugin/packaging"
	"github.com/quantkit/quantflow/internal/plugin/signing"
)

// debounceWindow is how long a plugin directory must stay quiet before the
// watcher acts on its changes. Builds and editors touch files in bursts.
const debounceWindow = 500 * time.Millisecond

// reloadRetries is how many times a failed refresh is retried. With the
// initial attempt that makes three tries, enough to ride out a manifest
// caught mid-write.
const reloadRetries = 2

// Loader ties the manager to plugin directories on disk. It discovers
// manifests in the configured directories, verifies and unpacks bundles,
// binds factories for script entry points, and hot-reloads plugins when
// their files change.
type Loader struct {
	mgr    *Manager
	logger *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watchCtx context.Context
	cancel   context.CancelFunc
	debounce map[string]*time.Timer
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// NewLoader creates a loader over the manager's configured plugin
// directories.
func NewLoader(mgr *Manager, opts ...LoaderOption) *Loader {
	l := &Loader{
		mgr:      mgr,
		logger:   slog.Default(),
		debounce: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// --- discovery ---

// DiscoverAll scans every configured plugin directory: bundles are
// verified and unpacked, manifests in immediate subdirectories are
// registered, and script entry points get factories bound so their
// plugins become loadable. Scanning continues past failures; the count of
// newly registered manifests and all errors are returned.
func (l *Loader) DiscoverAll() (int, []error) {
	var errs []error
	total := 0
	for _, root := range l.mgr.Settings().PluginDirs {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			l.logger.Info("plugin directory does not exist, creating", "path", root)
			if err := os.MkdirAll(root, 0o755); err != nil {
				errs = append(errs, fmt.Errorf("create plugin dir: %w", err))
			}
			continue
		}
		errs = append(errs, l.unpackBundles(root)...)
		count, scanErrs := l.mgr.Registry().RegisterFromDirectory(root)
		total += count
		errs = append(errs, scanErrs...)
	}
	errs = append(errs, l.bindScriptFactories()...)
	return total, errs
}

// unpackBundles extracts every bundle sitting directly in root into a
// plugin directory next to it.
func (l *Loader) unpackBundles(root string) []error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return []error{fmt.Errorf("scan %s: %w", root, err)}
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), packaging.BundleExt) {
			continue
		}
		if err := l.unpackBundle(filepath.Join(root, entry.Name()), root); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// unpackBundle verifies and extracts one bundle. With RequireSignature
// set, a bundle without a valid sidecar signature is rejected before a
// single byte is unpacked.
func (l *Loader) unpackBundle(path, destRoot string) error {
	set := l.mgr.Settings()
	if set.RequireSignature {
		if set.TrustedKeyFile == "" {
			return fmt.Errorf("bundle %s: signatures required but no trusted key configured", path)
		}
		if err := signing.VerifyBundle(path, set.TrustedKeyFile); err != nil {
			return fmt.Errorf("bundle rejected: %w", err)
		}
	}
	pluginDir, err := packaging.Extract(path, destRoot)
	if err != nil {
		return err
	}
	l.logger.Info("bundle unpacked", "bundle", filepath.Base(path), "dir", pluginDir)
	return nil
}

// bindScriptFactories gives every discovered manifest with a script entry
// point a factory. Plugins that already have one, through RegisterPlugin
// or an earlier pass, are left alone.
func (l *Loader) bindScriptFactories() []error {
	var errs []error
	reg := l.mgr.Registry()
	for _, mf := range reg.List() {
		if !isScript(mf.EntryPoint) || l.mgr.HasFactory(mf.Name) {
			continue
		}
		dir, ok := reg.SourcePath(mf.Name)
		if !ok {
			continue
		}
		factory, err := ScriptFactory(filepath.Join(dir, mf.EntryPoint))
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %q: %w", mf.Name, err))
			continue
		}
		if err := l.mgr.BindFactory(mf.Name, factory, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// registerDir registers the plugin living in dir and binds its factory if
// the entry point is a script.
func (l *Loader) registerDir(dir string) error {
	mf, err := l.mgr.Registry().RegisterDir(dir)
	if err != nil {
		return err
	}
	l.logger.Info("plugin discovered", "plugin", mf.Name, "version", mf.Version, "dir", dir)
	if errs := l.bindScriptFactories(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func isScript(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".js")
}

func isManifestName(base string) bool {
	for _, name := range ManifestFileNames {
		if base == name {
			return true
		}
	}
	return false
}

// --- hot reload ---

// Watch starts hot reload: an fsnotify watcher over every plugin directory
// and its subdirectories. Manifest and script changes reload the owning
// plugin once its directory settles, dropped bundles are verified and
// unpacked, and a removed manifest deregisters its plugin. Watch returns
// immediately; the processing loop runs until ctx is cancelled or Close is
// called.
func (l *Loader) Watch(ctx context.Context) error {
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return errors.New("loader: watcher already running")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher
	l.watchCtx, l.cancel = context.WithCancel(ctx)
	watchCtx := l.watchCtx
	l.mu.Unlock()

	for _, root := range l.mgr.Settings().PluginDirs {
		if err := watcher.Add(root); err != nil {
			l.Close()
			return fmt.Errorf("watch %s: %w", root, err)
		}
		// Plugins live one level down; their directories must be watched
		// individually.
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			watcher.Add(path)
			return nil
		})
	}

	l.logger.Info("hot reload enabled", "dirs", l.mgr.Settings().PluginDirs)
	go l.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher and cancels pending debounce timers. The loader
// stays usable for discovery afterwards.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
	for key, timer := range l.debounce {
		timer.Stop()
		delete(l.debounce, key)
	}
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// handleEvent classifies one filesystem event and schedules the matching
// refresh behind the debounce window.
func (l *Loader) handleEvent(event fsnotify.Event) {
	path := event.Name
	base := filepath.Base(path)

	// A new plugin directory must itself be watched before events from its
	// contents can arrive.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			l.mu.Lock()
			if l.watcher != nil {
				l.watcher.Add(path)
			}
			l.mu.Unlock()
			l.debounceKey(path, func(ctx context.Context) { l.refreshDir(ctx, path) })
			return
		}
	}

	switch {
	case strings.EqualFold(filepath.Ext(base), packaging.BundleExt):
		if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
			root := filepath.Dir(path)
			l.debounceKey(path, func(ctx context.Context) { l.refreshBundle(ctx, path, root) })
		}

	case isManifestName(base) || isScript(base):
		dir := filepath.Dir(path)
		l.debounceKey(dir, func(ctx context.Context) { l.refreshDir(ctx, dir) })

	case event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename:
		// A plugin directory itself disappeared.
		if _, known := l.mgr.Registry().PluginAt(path); known {
			l.debounceKey(path, func(ctx context.Context) { l.refreshDir(ctx, path) })
		}
	}
}

// debounceKey schedules fn after the debounce window, replacing any timer
// already pending for the same key.
func (l *Loader) debounceKey(key string, fn func(context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if timer, ok := l.debounce[key]; ok {
		timer.Stop()
	}
	l.debounce[key] = time.AfterFunc(debounceWindow, func() {
		l.mu.Lock()
		delete(l.debounce, key)
		ctx := l.watchCtx
		l.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
}

// refreshBundle re-verifies and unpacks a bundle that appeared or changed
// under a watched directory. The unpacked files raise their own events,
// which drive registration or reload of the plugin itself.
func (l *Loader) refreshBundle(ctx context.Context, path, root string) {
	op := func() error {
		err := l.unpackBundle(path, root)
		if errors.Is(err, signing.ErrBadSignature) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := l.retry(ctx, op); err != nil {
		l.logger.Error("bundle refresh failed", "bundle", path, "error", err)
	}
}

// refreshDir reconciles one plugin directory with the kernel after its
// contents changed.
func (l *Loader) refreshDir(ctx context.Context, dir string) {
	name, known := l.mgr.Registry().PluginAt(dir)

	if _, ok := FindManifest(dir); !ok {
		if !known {
			return
		}
		l.logger.Info("plugin removed from disk", "plugin", name, "dir", dir)
		if err := l.mgr.DeregisterPlugin(ctx, name); err != nil {
			l.logger.Error("deregister failed", "plugin", name, "error", err)
		}
		return
	}

	if known {
		l.reloadPlugin(ctx, name)
		return
	}

	if err := l.retry(ctx, func() error { return l.registerDir(dir) }); err != nil {
		l.logger.Error("plugin discovery failed", "dir", dir, "error", err)
	}
}

// reloadPlugin replaces a plugin after its files changed. A plugin that
// was running is started again afterwards, so hot reload preserves what an
// operator observes. Without a factory only the manifest can be refreshed.
func (l *Loader) reloadPlugin(ctx context.Context, name string) {
	if !l.mgr.HasFactory(name) {
		if err := l.retry(ctx, func() error { return l.reregisterDir(name) }); err != nil {
			l.logger.Error("manifest refresh failed", "plugin", name, "error", err)
		}
		return
	}

	st, _ := l.mgr.PluginState(name)
	wasRunning := st == StateStarted || st == StatePaused
	if err := l.retry(ctx, func() error { return l.mgr.Reload(ctx, name) }); err != nil {
		l.logger.Error("reload failed", "plugin", name, "error", err)
		return
	}
	l.logger.Info("plugin reloaded", "plugin", name)
	if wasRunning {
		if err := l.mgr.StartPlugin(ctx, name); err != nil {
			l.logger.Error("restart after reload failed", "plugin", name, "error", err)
		}
	}
}

// reregisterDir re-reads the manifest of a factory-less plugin in place.
func (l *Loader) reregisterDir(name string) error {
	reg := l.mgr.Registry()
	dir, ok := reg.SourcePath(name)
	if !ok {
		return fmt.Errorf("plugin %q has no source directory", name)
	}
	reg.Unregister(name)
	_, err := reg.RegisterDir(dir)
	return err
}

// retry runs op with exponential backoff so a refresh that catches a file
// mid-write succeeds on a later attempt.
func (l *Loader) retry(ctx context.Context, op func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), reloadRetries)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
