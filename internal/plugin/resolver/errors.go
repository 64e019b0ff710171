package resolver

import (
	"fmt"
	"strings"
)

// CircularError is raised when the dependency graph contains a cycle.
// Cycle holds the offending path; its first and last elements are the same
// plugin.
type CircularError struct {
	Cycle []string
}

func (e *CircularError) Error() string {
	return fmt.Sprintf("resolver: circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// MissingError is raised when a referenced plugin is absent from the
// source. Plugin is the dependent that referenced it; it is empty when the
// absent name was requested directly.
type MissingError struct {
	Plugin     string
	Dependency string
}

func (e *MissingError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("resolver: plugin %q is not registered", e.Dependency)
	}
	return fmt.Sprintf("resolver: plugin %q depends on %q which is not registered", e.Plugin, e.Dependency)
}

// VersionError is raised when a registered dependency does not satisfy the
// declared version range. Both the required range and the actual version
// are carried so callers can report the mismatch precisely.
type VersionError struct {
	Plugin     string // the dependent
	Dependency string
	Constraint string // required range
	Actual     string // registered version
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("resolver: plugin %q requires %q version %q but %q is registered",
		e.Plugin, e.Dependency, e.Constraint, e.Actual)
}

// ConflictError is raised when two plugins in the resolved transitive
// closure are mutually exclusive: at least one of them declares the other
// in its conflicts list.
type ConflictError struct {
	PluginA string
	PluginB string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resolver: plugins %q and %q declare a conflict", e.PluginA, e.PluginB)
}
