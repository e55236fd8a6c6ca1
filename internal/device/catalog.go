package device

import (
	"fmt"
	"sort"
	"sync"
)

// The catalogue makes classes addressable by name, which child server
// processes and the command line need.
var catalog = struct {
	sync.RWMutex
	classes map[string]*Class
}{classes: make(map[string]*Class)}

// Register adds c to the process-wide catalogue.
func Register(c *Class) error {
	catalog.Lock()
	defer catalog.Unlock()
	k := key(c.name)
	if prev, ok := catalog.classes[k]; ok && prev != c {
		return fmt.Errorf("%w: %s", ErrClassExists, c.name)
	}
	catalog.classes[k] = c
	return nil
}

// MustRegister is Register that panics.
func MustRegister(c *Class) *Class {
	if err := Register(c); err != nil {
		panic(err)
	}
	return c
}

// Lookup finds a registered class by name, ignoring case.
func Lookup(name string) (*Class, error) {
	catalog.RLock()
	defer catalog.RUnlock()
	c, ok := catalog.classes[key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	return c, nil
}

// Classes lists the registered class names, sorted.
func Classes() []string {
	catalog.RLock()
	defer catalog.RUnlock()
	out := make([]string, 0, len(catalog.classes))
	for _, c := range catalog.classes {
		out = append(out, c.name)
	}
	sort.Strings(out)
	return out
}
