package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quantkit/quantflow/internal/plugin/resolver"
)

// LoadError is the single error kind raised when a plugin fails to load:
// configuration problems, missing factories, capability gaps and init-hook
// failures all surface as one type with the original cause preserved.
// Resolver errors are the exception; they pass through as themselves
// because resolution aborts the load sequence wholesale.
type LoadError struct {
	Plugin string
	Cause  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %q: %v", e.Plugin, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// registration pairs a factory with the configuration supplied when the
// plugin class was registered. Nothing is instantiated until load time.
type registration struct {
	factory Factory
	cfg     map[string]any
}

// instanceRecord is the manager's book-keeping for one live instance.
type instanceRecord struct {
	instance Plugin
	manifest *Manifest
	state    State
	rawCfg   map[string]any // load-time config argument, kept for reload
	effCfg   map[string]any // resolved config handed to Init
	loadedAt time.Time
}

// Manager orchestrates the plugin lifecycle: it registers factories,
// drives the resolver and configuration pipeline to load instances, and
// owns the per-plugin state machine. Operations on distinct names proceed
// concurrently; operations on the same name are serialized through a
// keyed mutex so every caller observes transitions atomically.
type Manager struct {
	registry *Registry
	resolver *resolver.Resolver
	schemas  *SchemaTable
	perms    *PermissionManager
	monitor  *ResourceMonitor
	sandbox  *Sandbox
	host     Host
	pub      Publisher
	logger   *slog.Logger
	metrics  *Metrics
	settings *Settings

	ownSandbox bool
	ownMonitor bool

	mu            sync.RWMutex
	registrations map[string]*registration
	loaded        map[string]*instanceRecord
	stopping      bool

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHost sets the host handed to plugin Init hooks and checked against
// manifest capability requirements. Without one, requirements go
// unchecked and plugins receive a nil host.
func WithHost(h Host) ManagerOption {
	return func(m *Manager) { m.host = h }
}

// WithPublisher enables lifecycle event emission. Emission is a side
// effect; a failing publisher never blocks a transition.
func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) { m.pub = p }
}

// WithSandbox substitutes the hook execution sandbox.
func WithSandbox(s *Sandbox) ManagerOption {
	return func(m *Manager) { m.sandbox = s }
}

// WithPermissions substitutes the permission manager.
func WithPermissions(p *PermissionManager) ManagerOption {
	return func(m *Manager) { m.perms = p }
}

// WithMonitor substitutes the resource monitor.
func WithMonitor(rm *ResourceMonitor) ManagerOption {
	return func(m *Manager) { m.monitor = rm }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithSchemas substitutes the configuration schema table.
func WithSchemas(s *SchemaTable) ManagerOption {
	return func(m *Manager) { m.schemas = s }
}

// WithSettings applies kernel settings.
func WithSettings(s *Settings) ManagerOption {
	return func(m *Manager) { m.settings = s }
}

// WithMetrics enables kernel metrics collection.
func WithMetrics(mx *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates a manager over the given registry. Components not
// supplied through options are created with defaults; the resource
// monitor is created but not started.
func NewManager(registry *Registry, opts ...ManagerOption) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("manager: registry is required")
	}
	m := &Manager{
		registry:      registry,
		logger:        slog.Default(),
		registrations: make(map[string]*registration),
		loaded:        make(map[string]*instanceRecord),
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.settings == nil {
		m.settings = DefaultSettings()
	}
	if m.schemas == nil {
		m.schemas = NewSchemaTable()
	}
	if m.perms == nil {
		m.perms = NewPermissionManager()
	}
	if m.monitor == nil {
		m.monitor = NewResourceMonitor(
			WithPollInterval(m.settings.PollInterval),
			WithMonitorLogger(m.logger),
			WithMonitorMetrics(m.metrics),
		)
		m.ownMonitor = true
	}
	if m.sandbox == nil {
		sbOpts := []SandboxOption{
			WithSandboxLogger(m.logger),
			WithSandboxMetrics(m.metrics),
		}
		if m.settings.SandboxTimeout > 0 {
			sbOpts = append(sbOpts, WithSandboxTimeout(m.settings.SandboxTimeout))
		}
		if m.settings.SandboxWorkers > 0 {
			sbOpts = append(sbOpts, WithSandboxWorkers(m.settings.SandboxWorkers))
		}
		sb, err := NewSandbox(sbOpts...)
		if err != nil {
			return nil, err
		}
		m.sandbox = sb
		m.ownSandbox = true
	}
	var rOpts []resolver.Option
	if m.metrics != nil {
		rOpts = append(rOpts, resolver.WithObserver(m.metrics))
	}
	m.resolver = resolver.New(registry, rOpts...)
	return m, nil
}

// Close releases components the manager created itself. Components passed
// in through options stay with their owners.
func (m *Manager) Close() {
	if m.ownMonitor {
		m.monitor.Stop()
	}
	if m.ownSandbox {
		m.sandbox.Close()
	}
}

// --- registration ---

// RegisterPlugin registers a plugin class: the factory is called once to
// read the manifest, the manifest is registered, and the (factory, config)
// pair is stored for later loads. No permanent instance is created. The
// derived plugin name is returned. The resolver cache is cleared because
// the dependency graph changed.
func (m *Manager) RegisterPlugin(factory Factory, cfg map[string]any) (string, error) {
	if factory == nil {
		return "", errors.New("manager: nil factory")
	}
	probe := factory()
	if probe == nil {
		return "", errors.New("manager: factory returned nil plugin")
	}
	mf := probe.Manifest()
	if mf == nil {
		return "", errors.New("manager: plugin has no manifest")
	}
	mf = mf.Clone()
	if err := mf.Normalize(); err != nil {
		return "", fmt.Errorf("manifest: %w", err)
	}
	name := mf.Name

	if !m.registry.Register(mf) {
		return "", fmt.Errorf("plugin %q: registration refused", name)
	}

	reg := &registration{factory: factory}
	if cfg != nil {
		reg.cfg = deepCopyMap(cfg)
	}
	m.mu.Lock()
	m.registrations[name] = reg
	m.mu.Unlock()

	m.resolver.ClearCache()
	m.logger.Info("plugin registered", "plugin", name, "version", mf.Version)
	return name, nil
}

// BindFactory attaches a factory to a manifest that is already in the
// registry, the complement of RegisterPlugin for plugins discovered from
// directories where the manifest arrives before any code. The factory is
// probed once and must yield a manifest with the same name. A registration
// that already exists is replaced; the config argument follows the same
// copy semantics as RegisterPlugin.
func (m *Manager) BindFactory(name string, factory Factory, cfg map[string]any) error {
	if factory == nil {
		return errors.New("manager: nil factory")
	}
	if _, ok := m.registry.Get(name); !ok {
		return fmt.Errorf("plugin %q is not registered", name)
	}
	probe := factory()
	if probe == nil {
		return errors.New("manager: factory returned nil plugin")
	}
	mf := probe.Manifest()
	if mf == nil {
		return errors.New("manager: plugin has no manifest")
	}
	if mf.Name != name {
		return fmt.Errorf("plugin %q: factory yields manifest %q", name, mf.Name)
	}

	reg := &registration{factory: factory}
	if cfg != nil {
		reg.cfg = deepCopyMap(cfg)
	}
	m.mu.Lock()
	m.registrations[name] = reg
	m.mu.Unlock()

	m.logger.Info("factory bound", "plugin", name)
	return nil
}

// HasFactory reports whether a factory is bound for the named plugin.
// Manifests registered straight into the registry have none until
// BindFactory or RegisterPlugin supplies one.
func (m *Manager) HasFactory(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registrations[name] != nil
}

// --- loading ---

// LoadPlugin loads the named plugin and any of its dependencies that are
// not yet loaded, dependencies first. Resolver errors pass through
// unwrapped; every other failure is a *LoadError. cfg overrides the
// registration config for the named plugin only; nil falls back to the
// registration config, then to a schema-bound default.
func (m *Manager) LoadPlugin(ctx context.Context, name string, cfg map[string]any) error {
	order, err := m.resolver.Resolve([]string{name})
	if err != nil {
		m.metrics.recordLoad(false)
		return err
	}
	for _, dep := range order {
		var depCfg map[string]any
		if dep == name {
			depCfg = cfg
		}
		if _, err := m.ensureLoaded(ctx, dep, depCfg); err != nil {
			if dep == name {
				return err
			}
			return &LoadError{Plugin: name, Cause: err}
		}
	}
	return nil
}

// LoadAll resolves the requested set once and loads the closure in
// dependency order, continuing past per-plugin failures. It returns the
// number of plugins newly loaded and the collected errors. A resolution
// failure aborts the whole batch.
func (m *Manager) LoadAll(ctx context.Context, names []string) (int, []error) {
	order, err := m.resolver.Resolve(names)
	if err != nil {
		m.metrics.recordLoad(false)
		return 0, []error{err}
	}
	loaded := 0
	var errs []error
	for _, n := range order {
		loadedNow, err := m.ensureLoaded(ctx, n, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if loadedNow {
			loaded++
		}
	}
	return loaded, errs
}

// ensureLoaded loads name unless a live instance already exists. It
// reports whether this call performed the load.
func (m *Manager) ensureLoaded(ctx context.Context, name string, cfg map[string]any) (bool, error) {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	rec, exists := m.loaded[name]
	m.mu.RUnlock()
	if exists {
		if rec.state == StateFailed {
			return false, &LoadError{Plugin: name, Cause: errors.New("previous instance failed; reload required")}
		}
		return false, nil
	}
	if err := m.loadLocked(ctx, name, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// loadLocked performs one load. The caller holds the name lock and has
// checked no record exists.
func (m *Manager) loadLocked(ctx context.Context, name string, cfg map[string]any) error {
	m.mu.RLock()
	reg := m.registrations[name]
	stopping := m.stopping
	m.mu.RUnlock()
	if stopping {
		return &LoadError{Plugin: name, Cause: errors.New("manager is stopping")}
	}

	mf, ok := m.registry.Get(name)
	if !ok {
		m.metrics.recordLoad(false)
		return &LoadError{Plugin: name, Cause: errors.New("not registered")}
	}
	if reg == nil || reg.factory == nil {
		m.metrics.recordLoad(false)
		return &LoadError{Plugin: name, Cause: errors.New("no factory registered")}
	}

	// Dependencies must already be live; LoadPlugin/LoadAll arrange this
	// by loading in resolved order.
	for depName := range mf.Dependencies {
		m.mu.RLock()
		depRec, depOK := m.loaded[depName]
		m.mu.RUnlock()
		if !depOK || depRec.state.Terminal() {
			m.metrics.recordLoad(false)
			return &LoadError{Plugin: name, Cause: fmt.Errorf("dependency %q is not loaded", depName)}
		}
	}

	if m.host != nil {
		available := make(map[string]bool)
		for _, c := range m.host.Capabilities() {
			available[c] = true
		}
		for _, req := range mf.Requires {
			if !available[req] {
				m.metrics.recordLoad(false)
				return &LoadError{Plugin: name, Cause: fmt.Errorf("host capability %q not available", req)}
			}
		}
	}

	raw := cfg
	if raw == nil {
		raw = reg.cfg
	}
	if raw == nil {
		if def, ok := m.schemas.DefaultConfig(name); ok {
			raw = def
		}
	}
	if raw == nil && m.schemas.RequiresConfig(name) {
		m.metrics.recordLoad(false)
		return &LoadError{Plugin: name, Cause: errors.New("configuration required but none supplied")}
	}
	eff, err := m.schemas.Resolve(name, raw, m.settings.DefaultEnvironment)
	if err != nil {
		m.metrics.recordLoad(false)
		return &LoadError{Plugin: name, Cause: err}
	}

	instance := reg.factory()
	if instance == nil {
		m.metrics.recordLoad(false)
		return &LoadError{Plugin: name, Cause: errors.New("factory returned nil plugin")}
	}

	rec := &instanceRecord{
		instance: instance,
		manifest: mf,
		state:    StateUninitialized,
		effCfg:   eff,
		loadedAt: time.Now().UTC(),
	}
	if cfg != nil {
		rec.rawCfg = deepCopyMap(cfg)
	}
	m.mu.Lock()
	m.loaded[name] = rec
	m.mu.Unlock()

	host := m.host
	if err := m.sandbox.Run(ctx, name, func(ctx context.Context) error {
		return instance.Init(ctx, host, eff)
	}); err != nil {
		m.setState(rec, StateFailed)
		m.metrics.recordLoad(false)
		m.emit(EventFailed, name, map[string]any{"phase": "init"})
		return &LoadError{Plugin: name, Cause: err}
	}

	m.setState(rec, StateInitialized)
	m.monitor.Track(name, mf.Resources)
	m.metrics.recordLoad(true)
	m.metrics.setLoaded(m.loadedCount())
	m.emit(EventLoaded, name, map[string]any{"version": mf.Version})
	m.logger.Info("plugin loaded", "plugin", name, "version", mf.Version)
	return nil
}

// --- lifecycle transitions ---

// StartPlugin starts an initialized or paused plugin.
func (m *Manager) StartPlugin(ctx context.Context, name string) error {
	if m.isStopping() {
		return fmt.Errorf("plugin %q: manager is stopping", name)
	}
	return m.transition(ctx, name, nil, StateStarted, EventStarted, func(p Plugin) func(context.Context) error {
		return p.Start
	})
}

// StopPlugin stops a started or paused plugin. A stopped plugin cannot be
// restarted, only unloaded.
func (m *Manager) StopPlugin(ctx context.Context, name string) error {
	return m.transition(ctx, name, nil, StateStopped, EventStopped, func(p Plugin) func(context.Context) error {
		return p.Stop
	})
}

// PausePlugin pauses a started plugin. Plugins that do not implement
// Pausable transition without a hook.
func (m *Manager) PausePlugin(ctx context.Context, name string) error {
	return m.transition(ctx, name, nil, StatePaused, EventPaused, func(p Plugin) func(context.Context) error {
		if pp, ok := p.(Pausable); ok {
			return pp.Pause
		}
		return nil
	})
}

// ResumePlugin resumes a paused plugin.
func (m *Manager) ResumePlugin(ctx context.Context, name string) error {
	if m.isStopping() {
		return fmt.Errorf("plugin %q: manager is stopping", name)
	}
	return m.transition(ctx, name, []State{StatePaused}, StateStarted, EventResumed, func(p Plugin) func(context.Context) error {
		if pp, ok := p.(Pausable); ok {
			return pp.Resume
		}
		return nil
	})
}

// transition moves name to state to, running the picked hook through the
// sandbox first. sources narrows the legal source states beyond the
// transition table; nil accepts any table-legal source. A hook failure
// marks the instance FAILED and leaves it in the table as evidence.
func (m *Manager) transition(ctx context.Context, name string, sources []State, to State, kind string, pick func(Plugin) func(context.Context) error) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	rec, ok := m.loaded[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q is not loaded", name)
	}
	from := rec.state
	if sources != nil && !stateIn(from, sources) {
		return &TransitionError{Plugin: name, From: from, To: to}
	}
	if !canTransition(from, to) {
		return &TransitionError{Plugin: name, From: from, To: to}
	}

	if hook := pick(rec.instance); hook != nil {
		if err := m.sandbox.Run(ctx, name, hook); err != nil {
			m.setState(rec, StateFailed)
			m.emit(EventFailed, name, map[string]any{"from": from.String(), "to": to.String()})
			m.logger.Error("plugin hook failed", "plugin", name, "from", from.String(), "to", to.String(), "error", err)
			return err
		}
	}

	m.setState(rec, to)
	m.emit(kind, name, nil)
	m.logger.Info("plugin state changed", "plugin", name, "from", from.String(), "to", to.String())
	return nil
}

// UnloadPlugin runs the shutdown hook and removes the instance. Permission
// grants and the last resource sample survive; they live outside the
// instance. A failing shutdown hook leaves the instance FAILED in the
// table instead of removing it.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	rec, ok := m.loaded[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q is not loaded", name)
	}
	from := rec.state
	if !canTransition(from, StateUnloaded) {
		return &TransitionError{Plugin: name, From: from, To: StateUnloaded}
	}

	if err := m.sandbox.Run(ctx, name, rec.instance.Shutdown); err != nil {
		m.setState(rec, StateFailed)
		m.emit(EventFailed, name, map[string]any{"from": from.String(), "to": StateUnloaded.String()})
		m.logger.Error("plugin shutdown failed", "plugin", name, "error", err)
		return err
	}

	m.metrics.recordTransition(StateUnloaded.String())
	m.mu.Lock()
	delete(m.loaded, name)
	m.mu.Unlock()
	m.monitor.Untrack(name)
	m.metrics.setLoaded(m.loadedCount())
	m.emit(EventUnloaded, name, nil)
	m.logger.Info("plugin unloaded", "plugin", name, "from", from.String())
	return nil
}

// --- batch operations ---

// StartAll starts every loaded plugin that is in a startable state, in
// dependency order, continuing past failures.
func (m *Manager) StartAll(ctx context.Context) (int, []error) {
	order, err := m.resolver.Resolve(m.Loaded())
	if err != nil {
		return 0, []error{err}
	}
	started := 0
	var errs []error
	for _, n := range order {
		st, ok := m.PluginState(n)
		if !ok || (st != StateInitialized && st != StatePaused) {
			continue
		}
		if err := m.StartPlugin(ctx, n); err != nil {
			errs = append(errs, err)
			continue
		}
		started++
	}
	return started, errs
}

// StopAll stops every running plugin, dependents before dependencies.
// While the sweep runs, new start and load requests are refused.
func (m *Manager) StopAll(ctx context.Context) (int, []error) {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.stopping = false
		m.mu.Unlock()
	}()

	names := m.Loaded()
	order, err := m.resolver.Resolve(names)
	if err != nil {
		// Best effort: stop in name order when the graph no longer resolves.
		m.logger.Warn("stop sweep falling back to name order", "error", err)
		order = names
	}
	stopped := 0
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		st, ok := m.PluginState(n)
		if !ok || (st != StateStarted && st != StatePaused) {
			continue
		}
		if err := m.StopPlugin(ctx, n); err != nil {
			errs = append(errs, err)
			continue
		}
		stopped++
	}
	return stopped, errs
}

// --- reload ---

// Reload replaces a plugin in place: the current instance is unloaded,
// the manifest is re-read from a fresh factory call and re-registered,
// and the plugin is loaded again with the config retained from the
// previous load. Grants and resource samples survive because they are
// keyed by name outside the instance. A FAILED instance is discarded
// without hooks. Reload is a compound operation; each step is
// individually serialized per name.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.RLock()
	reg := m.registrations[name]
	rec := m.loaded[name]
	m.mu.RUnlock()
	if reg == nil {
		return fmt.Errorf("plugin %q is not registered", name)
	}

	var rawCfg map[string]any
	if rec != nil {
		if rec.rawCfg != nil {
			rawCfg = deepCopyMap(rec.rawCfg)
		}
		if rec.state == StateFailed {
			lock := m.nameLock(name)
			lock.Lock()
			m.mu.Lock()
			delete(m.loaded, name)
			m.mu.Unlock()
			lock.Unlock()
			m.metrics.setLoaded(m.loadedCount())
			m.logger.Warn("discarding failed instance", "plugin", name)
		} else {
			if err := m.UnloadPlugin(ctx, name); err != nil {
				return err
			}
		}
	}

	srcDir, hadSrc := m.registry.SourcePath(name)
	m.registry.Unregister(name)
	m.resolver.ClearCache()

	probe := reg.factory()
	if probe == nil {
		return &LoadError{Plugin: name, Cause: errors.New("factory returned nil plugin")}
	}
	mf := probe.Manifest()
	if mf == nil {
		return &LoadError{Plugin: name, Cause: errors.New("plugin has no manifest")}
	}
	mf = mf.Clone()
	if err := mf.Normalize(); err != nil {
		return &LoadError{Plugin: name, Cause: err}
	}
	if mf.Name != name {
		return &LoadError{Plugin: name, Cause: fmt.Errorf("factory now yields manifest %q", mf.Name)}
	}
	if !m.registry.Register(mf) {
		return &LoadError{Plugin: name, Cause: errors.New("registration refused")}
	}
	if hadSrc {
		m.registry.recordPath(name, srcDir)
	}

	m.logger.Info("plugin reloading", "plugin", name, "version", mf.Version)
	return m.LoadPlugin(ctx, name, rawCfg)
}

// DeregisterPlugin removes a plugin class entirely: a loaded instance is
// unloaded first, then the registration and manifest are dropped and the
// resolver cache cleared. A FAILED instance is discarded without hooks,
// as in Reload. Plugins that depend on the name stop resolving afterwards.
func (m *Manager) DeregisterPlugin(ctx context.Context, name string) error {
	if st, loaded := m.PluginState(name); loaded {
		if st == StateFailed {
			lock := m.nameLock(name)
			lock.Lock()
			m.mu.Lock()
			delete(m.loaded, name)
			m.mu.Unlock()
			lock.Unlock()
			m.metrics.setLoaded(m.loadedCount())
			m.logger.Warn("discarding failed instance", "plugin", name)
		} else if err := m.UnloadPlugin(ctx, name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.registrations, name)
	m.mu.Unlock()
	m.registry.Unregister(name)
	m.resolver.ClearCache()
	m.logger.Info("plugin deregistered", "plugin", name)
	return nil
}

// RunJob executes a manifest-declared job handler on a started plugin,
// through the sandbox like any other hook.
func (m *Manager) RunJob(ctx context.Context, name, handler string) error {
	m.mu.RLock()
	rec, ok := m.loaded[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q is not loaded", name)
	}
	if rec.state != StateStarted {
		return fmt.Errorf("plugin %q is not started", name)
	}
	runner, ok := rec.instance.(JobRunner)
	if !ok {
		return fmt.Errorf("plugin %q does not implement JobRunner", name)
	}
	return m.sandbox.Run(ctx, name, func(ctx context.Context) error {
		return runner.RunJob(ctx, handler)
	})
}

// --- introspection ---

// PluginState reports the lifecycle state of a loaded plugin.
func (m *Manager) PluginState(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.loaded[name]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// Loaded returns the names of all loaded plugins, sorted.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.loaded))
	for n := range m.loaded {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Instance returns the live instance for a loaded plugin. The instance is
// shared; callers must not retain it across an unload.
func (m *Manager) Instance(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.loaded[name]
	if !ok {
		return nil, false
	}
	return rec.instance, true
}

// ManagerStats is a point-in-time summary of kernel state.
type ManagerStats struct {
	Registered int            `json:"registered"`
	Loaded     int            `json:"loaded"`
	ByState    map[string]int `json:"by_state"`
	Resolver   resolver.Stats `json:"resolver"`
}

// Statistics reports registry, instance and resolver-cache counts.
func (m *Manager) Statistics() ManagerStats {
	m.mu.RLock()
	byState := make(map[string]int, len(m.loaded))
	for _, rec := range m.loaded {
		byState[rec.state.String()]++
	}
	loaded := len(m.loaded)
	m.mu.RUnlock()
	return ManagerStats{
		Registered: m.registry.Len(),
		Loaded:     loaded,
		ByState:    byState,
		Resolver:   m.resolver.Statistics(),
	}
}

// Registry returns the backing manifest registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Permissions returns the permission manager.
func (m *Manager) Permissions() *PermissionManager { return m.perms }

// Monitor returns the resource monitor.
func (m *Manager) Monitor() *ResourceMonitor { return m.monitor }

// Schemas returns the configuration schema table.
func (m *Manager) Schemas() *SchemaTable { return m.schemas }

// Metrics returns the kernel metrics, which may be nil.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Settings returns the kernel settings in effect.
func (m *Manager) Settings() *Settings { return m.settings }

// --- internals ---

func (m *Manager) nameLock(name string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) setState(rec *instanceRecord, to State) {
	m.mu.Lock()
	rec.state = to
	m.mu.Unlock()
	m.metrics.recordTransition(to.String())
}

func (m *Manager) loadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loaded)
}

func (m *Manager) isStopping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopping
}

func (m *Manager) emit(kind, name string, payload map[string]any) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(NewEvent(kind, name, payload)); err != nil {
		m.logger.Warn("lifecycle event dropped", "plugin", name, "kind", kind, "error", err)
	}
}

func stateIn(s State, set []State) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}
