package registry

import "sort"

// Table is the per-category storage behind a Registry: registered factories
// by name and the identifiers of modules already scanned. It is not safe for
// concurrent use on its own; Registry guards it.
type Table struct {
	entries map[string]Factory
	scanned map[string]struct{}
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]Factory),
		scanned: make(map[string]struct{}),
	}
}

// Get returns the factory registered under name.
func (t *Table) Get(name string) (Factory, bool) {
	f, ok := t.entries[name]
	return f, ok
}

// Put stores f under its name, replacing any previous entry.
func (t *Table) Put(f Factory) {
	t.entries[f.Name()] = f
}

// Names returns the registered names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// MarkScanned records a module identifier as scanned.
func (t *Table) MarkScanned(id string) {
	t.scanned[id] = struct{}{}
}

// Scanned reports whether a module identifier has been scanned.
func (t *Table) Scanned(id string) bool {
	_, ok := t.scanned[id]
	return ok
}
