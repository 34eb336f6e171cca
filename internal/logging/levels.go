package logging

import (
	"fmt"
	"strings"
	"sync"
)

// Per-package level overrides. Keys are component names as passed to
// GetLogger, or wildcard patterns like "cluster.*".
var (
	packageLevels = make(map[string]Level)
	packageMu     sync.RWMutex
)

// SetPackageLevels replaces the per-package level overrides.
// Patterns ending in ".*" match every name under that prefix.
func SetPackageLevels(levels map[string]string) error {
	if levels == nil {
		return nil
	}

	parsed := make(map[string]Level, len(levels))
	for pkg, levelStr := range levels {
		level, err := ParseLevel(levelStr)
		if err != nil {
			return fmt.Errorf("invalid log level for package %q: %w", pkg, err)
		}
		parsed[pkg] = level
	}

	packageMu.Lock()
	packageLevels = parsed
	packageMu.Unlock()
	return nil
}

// packageLevelFor resolves the override for a component name.
// Exact matches win over wildcard patterns; among wildcard matches the
// longest (most specific) pattern wins.
func packageLevelFor(name string) (Level, bool) {
	packageMu.RLock()
	defer packageMu.RUnlock()

	if level, ok := packageLevels[name]; ok {
		return level, true
	}

	best := ""
	for pattern := range packageLevels {
		if matchesPattern(name, pattern) && len(pattern) > len(best) {
			best = pattern
		}
	}
	if best != "" {
		return packageLevels[best], true
	}
	return 0, false
}

func matchesPattern(name, pattern string) bool {
	if name == pattern {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(name, prefix+".")
	}
	return false
}
