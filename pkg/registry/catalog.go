package registry

import (
	"sort"
	"sync"
)

// Catalog holds one Registry per category. Registries are created on first
// use and share the catalog's loader, logger, warning handler and build hook.
type Catalog struct {
	mu         sync.RWMutex
	opts       *options
	registries map[string]*Registry
}

// NewCatalog creates a catalog. WithNamespace options provide the default
// tier of each category; those categories exist from the start.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		opts:       buildOptions(opts),
		registries: make(map[string]*Registry),
	}
	for category := range c.opts.namespaces {
		c.registries[category] = newRegistry(category, c.opts)
	}
	return c
}

// Category returns the registry of the given category, creating it if needed.
func (c *Catalog) Category(name string) *Registry {
	c.mu.RLock()
	r, ok := c.registries[name]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.registries[name]; ok {
		return r
	}
	r = newRegistry(name, c.opts)
	c.registries[name] = r
	return r
}

// Categories returns the known category names in sorted order.
func (c *Catalog) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.registries))
	for name := range c.registries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
