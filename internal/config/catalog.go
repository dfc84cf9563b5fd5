package config

import (
	"fmt"
	"slices"
	"strings"
)

// QueryCatalog maps an ecosystem name to its saved Dune query ids. It is read-only once built.
type QueryCatalog struct {
	entries map[string][]int64
}

// NewQueryCatalog copies entries, normalising names.
func NewQueryCatalog(entries map[string][]int64) QueryCatalog {
	copied := make(map[string][]int64, len(entries))
	for name, ids := range entries {
		key := normaliseEcosystem(name)
		for _, id := range ids {
			if !slices.Contains(copied[key], id) {
				copied[key] = append(copied[key], id)
			}
		}
	}
	return QueryCatalog{entries: copied}
}

// Lookup resolves an ecosystem name. Case, spaces, hyphens and underscores are interchangeable.
func (c QueryCatalog) Lookup(name string) ([]int64, error) {
	ids, ok := c.entries[normaliseEcosystem(name)]
	if !ok || len(ids) == 0 {
		return nil, fmt.Errorf("unknown ecosystem %q (known: %s)", name, strings.Join(c.Names(), ", "))
	}
	return slices.Clone(ids), nil
}

// Names lists known ecosystems in sorted order.
func (c QueryCatalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func normaliseEcosystem(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	})
	return strings.Join(fields, "_")
}
