package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Permission is an explicitly grantable capability a plugin may use.
type Permission string

const (
	PermFileRead      Permission = "file.read"
	PermFileWrite     Permission = "file.write"
	PermNetworkAccess Permission = "network.access"
	PermSystemCall    Permission = "system.call"
)

// KnownPermissions lists every permission in declaration order.
func KnownPermissions() []Permission {
	return []Permission{PermFileRead, PermFileWrite, PermNetworkAccess, PermSystemCall}
}

// ParsePermission validates a permission string.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	for _, known := range KnownPermissions() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// PermissionManager tracks (plugin, permission) grants. There are no
// default grants, no wildcards and no inheritance: Has answers false for
// any pair that was never granted or whose grant was revoked. Grants are
// keyed by plugin name, not instance, so they survive a hot reload.
type PermissionManager struct {
	mu     sync.RWMutex
	grants map[string]map[Permission]bool
}

// NewPermissionManager creates an empty grant table.
func NewPermissionManager() *PermissionManager {
	return &PermissionManager{grants: make(map[string]map[Permission]bool)}
}

// Grant adds a (plugin, permission) pair. Granting twice is a no-op.
func (pm *PermissionManager) Grant(plugin string, perm Permission) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	set, ok := pm.grants[plugin]
	if !ok {
		set = make(map[Permission]bool)
		pm.grants[plugin] = set
	}
	set[perm] = true
}

// Revoke removes a (plugin, permission) pair. Revoking an absent grant is
// a no-op.
func (pm *PermissionManager) Revoke(plugin string, perm Permission) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if set, ok := pm.grants[plugin]; ok {
		delete(set, perm)
		if len(set) == 0 {
			delete(pm.grants, plugin)
		}
	}
}

// RevokeAll removes every grant held by the plugin.
func (pm *PermissionManager) RevokeAll(plugin string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.grants, plugin)
}

// Has reports whether the exact (plugin, permission) pair is granted.
func (pm *PermissionManager) Has(plugin string, perm Permission) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.grants[plugin][perm]
}

// GrantsFor returns the sorted permissions granted to the plugin.
func (pm *PermissionManager) GrantsFor(plugin string) []Permission {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	set := pm.grants[plugin]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
