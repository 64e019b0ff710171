package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultEnvironment is used when neither the caller nor the
	// environment variable names one.
	DefaultEnvironment = "development"

	// EnvironmentVar is the ambient environment indicator.
	EnvironmentVar = "QUANTFLOW_ENV"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ValidationError carries every schema violation found in one
// configuration, not just the first.
type ValidationError struct {
	TypeName string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config for plugin type %q: %d problem(s): %s",
		e.TypeName, len(e.Problems), strings.Join(e.Problems, "; "))
}

// SchemaTable binds plugin type names to configuration schemas. Binding is
// an explicit registration call made at wiring time; there is no
// annotation or reflection mechanism. Three modes:
//
//   - BindSchema: optional schema, zero or one per type, rebinding
//     replaces.
//   - MustBindSchema: mandatory schema; an invalid schema document is a
//     programmer error and panics at wiring time.
//   - BindSchemaWithDefault: additionally records a concrete default
//     configuration; loading such a type with no configuration supplied
//     anywhere is an error.
type SchemaTable struct {
	mu       sync.RWMutex
	schemas  map[string]*gojsonschema.Schema
	defaults map[string]map[string]any
	required map[string]bool
}

// NewSchemaTable creates an empty schema table.
func NewSchemaTable() *SchemaTable {
	return &SchemaTable{
		schemas:  make(map[string]*gojsonschema.Schema),
		defaults: make(map[string]map[string]any),
		required: make(map[string]bool),
	}
}

// BindSchema compiles schemaJSON and binds it to typeName, replacing any
// previous binding.
func (s *SchemaTable) BindSchema(typeName, schemaJSON string) error {
	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("schema for %q: %w", typeName, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[typeName] = schema
	return nil
}

// MustBindSchema is BindSchema for wiring-time literals; it panics on an
// invalid schema document.
func (s *SchemaTable) MustBindSchema(typeName, schemaJSON string) {
	if err := s.BindSchema(typeName, schemaJSON); err != nil {
		panic(err)
	}
}

// BindSchemaWithDefault binds a schema and records a default configuration
// instance. Types bound this way refuse to load without a configuration:
// the default recorded here satisfies that requirement unless overridden.
func (s *SchemaTable) BindSchemaWithDefault(typeName, schemaJSON string, def map[string]any) error {
	if err := s.BindSchema(typeName, schemaJSON); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.required[typeName] = true
	s.defaults[typeName] = deepCopyMap(def)
	return nil
}

// Bound reports whether typeName has a schema.
func (s *SchemaTable) Bound(typeName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[typeName]
	return ok
}

// RequiresConfig reports whether typeName was bound in required-instance
// mode.
func (s *SchemaTable) RequiresConfig(typeName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.required[typeName]
}

// DefaultConfig returns a copy of the default configuration recorded for
// typeName, if any.
func (s *SchemaTable) DefaultConfig(typeName string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defaults[typeName]
	if !ok {
		return nil, false
	}
	return deepCopyMap(def), true
}

// Validate checks cfg against typeName's bound schema. Unknown fields are
// rejected and all violations are collected into one *ValidationError. A
// type with no bound schema accepts anything.
func (s *SchemaTable) Validate(typeName string, cfg map[string]any) error {
	s.mu.RLock()
	schema, ok := s.schemas[typeName]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return fmt.Errorf("config for plugin type %q: %w", typeName, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}
	return &ValidationError{TypeName: typeName, Problems: problems}
}

// Resolve computes the effective configuration for typeName: defaults plus
// environment overlay, placeholder resolution, then schema validation.
func (s *SchemaTable) Resolve(typeName string, cfg map[string]any, env string) (map[string]any, error) {
	eff, err := EffectiveConfig(cfg, env)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(typeName, eff); err != nil {
		return nil, err
	}
	return eff, nil
}

// compileSchema compiles a JSON Schema document, forcing
// additionalProperties to false on the root object when the author did not
// state it, so unknown configuration fields are always rejected.
func compileSchema(schemaJSON string) (*gojsonschema.Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("not a schema document: %w", err)
	}
	if t, _ := doc["type"].(string); t == "object" {
		if _, stated := doc["additionalProperties"]; !stated {
			doc["additionalProperties"] = false
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("not a schema document: %w", err)
	}
	return schema, nil
}

// EffectiveConfig resolves the layered configuration form:
//
//	defaults:            # base block
//	  depth: 5
//	environments:        # per-environment overrides
//	  production:
//	    depth: 50
//
// The override block named by env (explicit argument, else the
// QUANTFLOW_ENV variable, else "development") is deep-merged over the
// defaults, then ${NAME} placeholders are resolved from the process
// environment, failing fast on the first unset variable. A map without
// defaults/environments keys is taken as the configuration itself.
func EffectiveConfig(cfg map[string]any, env string) (map[string]any, error) {
	if cfg == nil {
		return map[string]any{}, nil
	}
	if env == "" {
		env = os.Getenv(EnvironmentVar)
	}
	if env == "" {
		env = DefaultEnvironment
	}

	base := cfg
	_, hasDefaults := cfg["defaults"]
	_, hasEnvs := cfg["environments"]
	if hasDefaults || hasEnvs {
		base = map[string]any{}
		if d, ok := cfg["defaults"].(map[string]any); ok {
			base = deepCopyMap(d)
		}
		if envs, ok := cfg["environments"].(map[string]any); ok {
			if overlay, ok := envs[env].(map[string]any); ok {
				base = deepMerge(base, overlay)
			}
		}
	} else {
		base = deepCopyMap(base)
	}

	resolved, err := resolvePlaceholders(base)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// deepMerge combines override into base recursively: nested maps merge
// per key, anything else (scalars, slices) is replaced by the override.
// Neither input is mutated.
func deepMerge(base, override map[string]any) map[string]any {
	out := deepCopyMap(base)
	for k, v := range override {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(bv, ov)
				continue
			}
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// resolvePlaceholders walks the structure replacing ${NAME} occurrences in
// string values with the named environment variable. An unset variable
// fails immediately naming it.
func resolvePlaceholders(v any) (any, error) {
	switch val := v.(type) {
	case string:
		var missing string
		out := placeholderPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			resolved, ok := os.LookupEnv(name)
			if !ok && missing == "" {
				missing = name
			}
			return resolved
		})
		if missing != "" {
			return nil, fmt.Errorf("config: environment variable %q is not set", missing)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolvePlaceholders(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolvePlaceholders(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
