package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	pkgplugin "github.com/quantkit/quantflow/pkg/plugin"
)

// Registry is an in-memory, name-keyed store of plugin manifests.
// It is an explicit instance: a host constructs as many independent
// registries as it needs and passes them where required. Manifests are
// cloned on the way in and out, so callers can never mutate stored state
// through a getter.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
	paths     map[string]string // plugin name -> source directory, when discovered
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for refused registrations and
// directory-scan failures.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		manifests: make(map[string]*Manifest),
		paths:     make(map[string]string),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a manifest. It returns false, never an
// error, when the manifest is refused: structural violations, logical
// validation problems, or a duplicate name. The boolean form keeps bulk
// operations resilient; refusal reasons are logged.
func (r *Registry) Register(m *Manifest) bool {
	if m == nil {
		return false
	}
	m = m.Clone()
	if err := m.Normalize(); err != nil {
		r.logger.Warn("registration refused", "error", err)
		return false
	}
	if problems := m.Validate(); len(problems) > 0 {
		r.logger.Warn("registration refused", "plugin", m.Name, "problems", strings.Join(problems, "; "))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[m.Name]; exists {
		r.logger.Warn("registration refused", "plugin", m.Name, "problems", "already registered")
		return false
	}
	r.manifests[m.Name] = m
	return true
}

// Unregister removes a manifest by name. It is idempotent: removing an
// absent name returns false and changes nothing.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[name]; !exists {
		return false
	}
	delete(r.manifests, name)
	delete(r.paths, name)
	return true
}

// Get returns a clone of the named manifest.
func (r *Registry) Get(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[name]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// List returns clones of all manifests, sorted by name.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered manifests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.manifests)
}

// SourcePath returns the directory a manifest was discovered from, when it
// was registered via RegisterFromDirectory or RegisterDir.
func (r *Registry) SourcePath(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[name]
	return p, ok
}

// PluginAt is the inverse of SourcePath: the name of the plugin discovered
// from dir, if any.
func (r *Registry) PluginAt(dir string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, p := range r.paths {
		if p == dir {
			return name, true
		}
	}
	return "", false
}

// recordPath remembers where a manifest was discovered. Reload re-records
// the path after re-registering so a plugin keeps its directory binding.
func (r *Registry) recordPath(name, dir string) {
	r.mu.Lock()
	r.paths[name] = dir
	r.mu.Unlock()
}

// RegisterDir registers the manifest found in a single plugin directory
// and records the directory as the plugin's source. The registered
// manifest is returned.
func (r *Registry) RegisterDir(dir string) (*Manifest, error) {
	path, ok := pkgplugin.FindManifest(dir)
	if !ok {
		return nil, fmt.Errorf("plugin dir %s: no manifest", dir)
	}
	m, err := pkgplugin.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	if !r.Register(m) {
		return nil, fmt.Errorf("plugin %q: registration refused", m.Name)
	}
	r.recordPath(m.Name, dir)
	return m, nil
}

// RegisterFromDirectory scans the immediate subdirectories of root for the
// conventional manifest file (plugin.yaml, plugin.yml or plugin.json) and
// attempts a validated registration of each. Scanning continues past
// failures; the success count and the per-directory errors are returned.
func (r *Registry) RegisterFromDirectory(root string) (int, []error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, []error{fmt.Errorf("scan %s: %w", root, err)}
	}

	var errs []error
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, ok := pkgplugin.FindManifest(dir); !ok {
			continue
		}
		if _, err := r.RegisterDir(dir); err != nil {
			errs = append(errs, err)
			r.logger.Warn("manifest skipped", "dir", dir, "error", err)
			continue
		}
		count++
	}
	return count, errs
}

// SearchQuery filters manifests. All supplied fields must match (AND
// semantics); zero values are ignored.
type SearchQuery struct {
	Keyword  string   // case-insensitive substring of name or description
	Category Category // exact category
	Author   string   // case-insensitive author match
	Tag      string   // exact tag membership
}

// Search returns clones of all manifests matching the query, sorted by
// name.
func (r *Registry) Search(q SearchQuery) []*Manifest {
	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))
	author := strings.ToLower(strings.TrimSpace(q.Author))

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Manifest
	for _, m := range r.manifests {
		if keyword != "" &&
			!strings.Contains(strings.ToLower(m.Name), keyword) &&
			!strings.Contains(strings.ToLower(m.Description), keyword) {
			continue
		}
		if q.Category != "" && m.Category != q.Category {
			continue
		}
		if author != "" && strings.ToLower(m.Author) != author {
			continue
		}
		if q.Tag != "" && !m.HasTag(q.Tag) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DependenciesOf returns the sorted dependency names a plugin declares.
// Computed on demand from the stored manifest; never cached.
func (r *Registry) DependenciesOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the sorted names of plugins that declare a dependency
// on name. Computed on demand, never cached, so it cannot drift from the
// stored manifests.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, m := range r.manifests {
		if _, ok := m.Dependencies[name]; ok {
			out = append(out, m.Name)
		}
	}
	sort.Strings(out)
	return out
}

// ValidateRegistry cross-checks that every declared dependency name exists
// in the registry. It returns a map of plugin name to problem list and
// mutates nothing; an empty map means the registry is consistent.
func (r *Registry) ValidateRegistry() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	problems := make(map[string][]string)
	for name, m := range r.manifests {
		for dep := range m.Dependencies {
			if _, ok := r.manifests[dep]; !ok {
				problems[name] = append(problems[name], fmt.Sprintf("dependency %q is not registered", dep))
			}
		}
	}
	for _, list := range problems {
		sort.Strings(list)
	}
	return problems
}

// registryExport is the on-disk form of a full registry snapshot.
type registryExport struct {
	Plugins []*Manifest `yaml:"plugins" json:"plugins"`
}

// Export writes the full manifest set to one document for audit or
// distribution, codec chosen by file extension.
func (r *Registry) Export(path string) error {
	snapshot := registryExport{Plugins: r.List()}
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(snapshot)
	case ".json":
		data, err = json.MarshalIndent(snapshot, "", "  ")
	default:
		return fmt.Errorf("export %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Import reads a document written by Export and registers each manifest,
// continuing past refusals. It returns the success count; the error is
// reserved for file and codec failures.
func (r *Registry) Import(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}
	var snapshot registryExport
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &snapshot)
	case ".json":
		err = json.Unmarshal(data, &snapshot)
	default:
		return 0, fmt.Errorf("import %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}
	count := 0
	for _, m := range snapshot.Plugins {
		if r.Register(m) {
			count++
		}
	}
	return count, nil
}
