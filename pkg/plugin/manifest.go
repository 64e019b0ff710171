package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
)

// Structural manifest errors. Construction and Normalize fail immediately
// with one of these (wrapped) when a manifest violates its shape constraints.
var (
	ErrBadName       = errors.New("manifest: name must be 3-50 characters")
	ErrBadVersion    = errors.New("manifest: version must be MAJOR.MINOR.PATCH")
	ErrBadCategory   = errors.New("manifest: unknown category")
	ErrBadConstraint = errors.New("manifest: invalid version constraint")
)

const (
	// DefaultLicense is applied when a manifest does not declare one.
	DefaultLicense = "Apache-2.0"

	// MinNameLen and MaxNameLen bound a plugin name.
	MinNameLen = 3
	MaxNameLen = 50
)

// Category classifies the role a plugin plays in the backtest platform.
type Category string

const (
	CategoryDataSource Category = "data_source"
	CategoryStrategy   Category = "strategy"
	CategoryMatching   Category = "matching"
	CategorySlippage   Category = "slippage"
	CategoryCommission Category = "commission"
	CategoryRisk       Category = "risk"
	CategoryAnalytics  Category = "analytics"
	CategoryUtility    Category = "utility"
)

// Categories returns every valid category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryDataSource, CategoryStrategy, CategoryMatching,
		CategorySlippage, CategoryCommission, CategoryRisk,
		CategoryAnalytics, CategoryUtility,
	}
}

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrBadCategory, s)
}

// JobSpec defines a scheduled task the host runs on the plugin's behalf
// while the plugin is started.
type JobSpec struct {
	ID       string `yaml:"id"       json:"id"`       // unique within the manifest
	Schedule string `yaml:"schedule" json:"schedule"` // cron expression, e.g. "0 * * * *"
	Handler  string `yaml:"handler"  json:"handler"`  // name passed to the plugin's RunJob
	Enabled  bool   `yaml:"enabled"  json:"enabled"`
}

// ResourceRequest declares upper bounds on a plugin's consumption.
// Every field is optional; zero means unset, a negative value is invalid.
type ResourceRequest struct {
	MaxMemoryMB   int     `yaml:"max_memory_mb,omitempty"   json:"max_memory_mb,omitempty"`
	MaxCPUPercent float64 `yaml:"max_cpu_percent,omitempty" json:"max_cpu_percent,omitempty"`
	MaxDiskMB     int     `yaml:"max_disk_mb,omitempty"     json:"max_disk_mb,omitempty"`
}

// Manifest is the universal plugin descriptor consumed by the registry,
// resolver and manager. It is serialized as plugin.yaml or plugin.json in
// a plugin's directory.
type Manifest struct {
	// Identity
	Name        string   `yaml:"name"                  json:"name"`
	Version     string   `yaml:"version"               json:"version"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string   `yaml:"author,omitempty"      json:"author,omitempty"`
	License     string   `yaml:"license,omitempty"     json:"license,omitempty"`
	Category    Category `yaml:"category"              json:"category"`
	EntryPoint  string   `yaml:"entry_point,omitempty" json:"entry_point,omitempty"`

	// Graph relations
	Dependencies map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"` // plugin name -> version-range spec
	Conflicts    []string          `yaml:"conflicts,omitempty"    json:"conflicts,omitempty"`    // mutually exclusive plugin names
	Provides     []string          `yaml:"provides,omitempty"     json:"provides,omitempty"`     // capability tags
	Tags         []string          `yaml:"tags,omitempty"         json:"tags,omitempty"`

	// Host integration
	Requires  []string         `yaml:"requires,omitempty"  json:"requires,omitempty"` // host capabilities, e.g. "event.bus"
	Jobs      []JobSpec        `yaml:"jobs,omitempty"      json:"jobs,omitempty"`
	Resources *ResourceRequest `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// NewManifest builds a manifest and enforces its structural invariants.
func NewManifest(name, version string, category Category) (*Manifest, error) {
	m := &Manifest{
		Name:     name,
		Version:  version,
		Category: category,
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	return m, nil
}

// Normalize trims, defaults and deduplicates fields, then enforces the
// structural invariants: name length, strict version format, known
// category, and parseability of every dependency constraint. It returns
// the first violation as a wrapped sentinel error.
func (m *Manifest) Normalize() error {
	m.Name = strings.TrimSpace(m.Name)
	if len(m.Name) < MinNameLen || len(m.Name) > MaxNameLen {
		return fmt.Errorf("%w: %q is %d", ErrBadName, m.Name, len(m.Name))
	}
	m.Version = strings.TrimSpace(m.Version)
	if _, err := ParseVersion(m.Version); err != nil {
		return err
	}
	cat, err := ParseCategory(string(m.Category))
	if err != nil {
		return err
	}
	m.Category = cat
	if m.License == "" {
		m.License = DefaultLicense
	}
	for dep, spec := range m.Dependencies {
		if _, err := ParseConstraint(spec); err != nil {
			return fmt.Errorf("dependency %q: %w", dep, err)
		}
	}
	m.Conflicts = dedupe(m.Conflicts)
	m.Provides = dedupe(m.Provides)
	m.Tags = dedupe(m.Tags)
	m.Requires = dedupe(m.Requires)
	return nil
}

// Validate collects logical problems with an already well-formed manifest.
// Unlike Normalize it never fails hard: the caller decides whether the
// reported problems are tolerable. An empty slice means the manifest is
// clean.
func (m *Manifest) Validate() []string {
	var problems []string
	if _, ok := m.Dependencies[m.Name]; ok {
		problems = append(problems, "plugin depends on itself")
	}
	for _, c := range m.Conflicts {
		if c == m.Name {
			problems = append(problems, "plugin conflicts with itself")
		}
	}
	if m.Resources != nil {
		if m.Resources.MaxMemoryMB < 0 {
			problems = append(problems, fmt.Sprintf("max_memory_mb must be positive, got %d", m.Resources.MaxMemoryMB))
		}
		if m.Resources.MaxCPUPercent < 0 {
			problems = append(problems, fmt.Sprintf("max_cpu_percent must be positive, got %g", m.Resources.MaxCPUPercent))
		}
		if m.Resources.MaxDiskMB < 0 {
			problems = append(problems, fmt.Sprintf("max_disk_mb must be positive, got %d", m.Resources.MaxDiskMB))
		}
	}
	if strings.TrimSpace(m.Description) == "" {
		problems = append(problems, "description is empty")
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		problems = append(problems, "entry point is empty")
	}
	seen := make(map[string]bool, len(m.Jobs))
	for _, j := range m.Jobs {
		if j.ID == "" {
			problems = append(problems, "job with empty id")
			continue
		}
		if seen[j.ID] {
			problems = append(problems, fmt.Sprintf("duplicate job id %q", j.ID))
		}
		seen[j.ID] = true
		if _, err := cron.ParseStandard(j.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("job %q: invalid schedule %q", j.ID, j.Schedule))
		}
	}
	return problems
}

// Clone returns a deep copy. Registry and manager hand out clones so
// callers can never mutate stored state through a getter.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	if m.Dependencies != nil {
		c.Dependencies = make(map[string]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			c.Dependencies[k] = v
		}
	}
	c.Conflicts = append([]string(nil), m.Conflicts...)
	c.Provides = append([]string(nil), m.Provides...)
	c.Tags = append([]string(nil), m.Tags...)
	c.Requires = append([]string(nil), m.Requires...)
	c.Jobs = append([]JobSpec(nil), m.Jobs...)
	if m.Resources != nil {
		r := *m.Resources
		c.Resources = &r
	}
	return &c
}

// HasTag reports whether the manifest carries the given tag.
func (m *Manifest) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
