package engine

import (
	"sort"
	"strconv"
	"time"
)

// Cache is the per-session snapshot of remote parameter values and instance lists.
// It is owned by a single session goroutine and is not safe for concurrent use.
type Cache struct {
	values    map[Path]Entry
	instances map[Path]InstanceEntry
}

// NewCache returns an empty cache, seeded from snapshot when it is non-nil.
// Seeded entries keep their original timestamps and carry pass zero, so only
// a MaxAge bound can accept them without a new read.
func NewCache(seed *Snapshot) *Cache {
	c := &Cache{
		values:    make(map[Path]Entry),
		instances: make(map[Path]InstanceEntry),
	}
	if seed == nil {
		return c
	}
	for p, e := range seed.Values {
		e.Pass = 0
		c.values[p] = e
	}
	for p, e := range seed.Instances {
		e.Pass = 0
		e.Indices = sortedCopy(e.Indices)
		c.instances[p] = e
	}
	return c
}

// Get returns the cached entry for path.
func (c *Cache) Get(path Path) (Entry, bool) {
	e, ok := c.values[path]
	return e, ok
}

// Put stores a value fetched or confirmed at ts during pass. It reports
// whether the stored value differs from the previous one.
func (c *Cache) Put(path Path, value Value, ts time.Time, pass int) bool {
	prev, ok := c.values[path]
	c.values[path] = Entry{Value: value, Timestamp: ts, Pass: pass}
	return !ok || prev.Value != value
}

// Invalidate drops the cached value for path.
func (c *Cache) Invalidate(path Path) {
	delete(c.values, path)
}

// Instances implements Inventory.
func (c *Cache) Instances(parent Path) ([]int, bool) {
	e, ok := c.instances[parent]
	if !ok {
		return nil, false
	}
	return e.Indices, true
}

// InstanceEntry returns the cached instance list entry for parent.
func (c *Cache) InstanceEntry(parent Path) (InstanceEntry, bool) {
	e, ok := c.instances[parent]
	return e, ok
}

// PutInstances stores the instance list of parent and reports whether it
// changed. Values and instance lists under removed instances are invalidated.
func (c *Cache) PutInstances(parent Path, indices []int, ts time.Time, pass int) bool {
	sorted := sortedCopy(indices)
	prev, ok := c.instances[parent]
	c.instances[parent] = InstanceEntry{Indices: sorted, Timestamp: ts, Pass: pass}
	if !ok {
		return true
	}

	keep := make(map[int]bool, len(sorted))
	for _, i := range sorted {
		keep[i] = true
	}
	for _, old := range prev.Indices {
		if keep[old] {
			continue
		}
		c.invalidateTree(parent.Child(strconv.Itoa(old)) + ".")
	}
	return !equalInts(prev.Indices, sorted)
}

func (c *Cache) invalidateTree(prefix Path) {
	for p := range c.values {
		if p.HasPrefix(prefix) {
			delete(c.values, p)
		}
	}
	for p := range c.instances {
		if p == prefix || p.HasPrefix(prefix) {
			delete(c.instances, p)
		}
	}
}

// Len returns the number of cached parameter values.
func (c *Cache) Len() int {
	return len(c.values)
}

// Snapshot returns a copy of the cache content for persistence.
func (c *Cache) Snapshot() *Snapshot {
	s := NewSnapshot()
	for p, e := range c.values {
		s.Values[p] = e
	}
	for p, e := range c.instances {
		e.Indices = sortedCopy(e.Indices)
		s.Instances[p] = e
	}
	return s
}

func sortedCopy(in []int) []int {
	out := append([]int{}, in...)
	sort.Ints(out)
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
