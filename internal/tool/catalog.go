package tool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyCatalog is returned when no tools are registered.
	ErrEmptyCatalog = errors.New("tool catalog is empty")
	// ErrDuplicateTool is returned when two descriptors share a name.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrInvalidName is returned for names containing the cache key separator.
	ErrInvalidName = errors.New("tool name must not contain ':'")
)

// Catalog is the read-only set of tools available to the orchestrator.
type Catalog struct {
	byName map[string]Descriptor
	names  []string
}

// NewCatalog validates descriptors and builds a catalog.
func NewCatalog(descriptors ...Descriptor) (*Catalog, error) {
	if len(descriptors) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{byName: make(map[string]Descriptor, len(descriptors))}
	for i, desc := range descriptors {
		name := strings.TrimSpace(desc.Name)
		if name == "" {
			return nil, fmt.Errorf("descriptor %d: name is required", i)
		}
		if strings.Contains(name, ":") {
			return nil, fmt.Errorf("%w: %s", ErrInvalidName, name)
		}
		if desc.Tool == nil {
			return nil, fmt.Errorf("tool %s: implementation is nil", name)
		}
		if _, exists := c.byName[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		desc.Name = name
		desc.Dependencies = append([]string(nil), desc.Dependencies...)
		desc.Keywords = append([]string(nil), desc.Keywords...)
		c.byName[name] = desc
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Get returns the descriptor registered under name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	desc, ok := c.byName[name]
	return desc, ok
}

// Names returns tool names in lexical order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// Descriptors returns all descriptors in name order.
func (c *Catalog) Descriptors() []Descriptor {
	if c == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.byName[name])
	}
	return out
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}
