package device

import "strings"

// registry is a case-insensitive, insertion-ordered name table.
type registry[V any] struct {
	order []string
	items map[string]V
}

func newRegistry[V any]() *registry[V] {
	return &registry[V]{items: make(map[string]V)}
}

func key(name string) string {
	return strings.ToLower(name)
}

// set adds or replaces name. A replaced entry keeps its position.
func (r *registry[V]) set(name string, v V) {
	k := key(name)
	if _, ok := r.items[k]; !ok {
		r.order = append(r.order, k)
	}
	r.items[k] = v
}

func (r *registry[V]) get(name string) (V, bool) {
	v, ok := r.items[key(name)]
	return v, ok
}

func (r *registry[V]) has(name string) bool {
	_, ok := r.items[key(name)]
	return ok
}

func (r *registry[V]) delete(name string) bool {
	k := key(name)
	if _, ok := r.items[k]; !ok {
		return false
	}
	delete(r.items, k)
	for i, o := range r.order {
		if o == k {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry[V]) values() []V {
	out := make([]V, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.items[k])
	}
	return out
}

func (r *registry[V]) len() int {
	return len(r.order)
}

func (r *registry[V]) clone() *registry[V] {
	c := &registry[V]{order: append([]string(nil), r.order...), items: make(map[string]V, len(r.items))}
	for k, v := range r.items {
		c.items[k] = v
	}
	return c
}
