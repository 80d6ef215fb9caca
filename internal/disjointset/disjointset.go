// Package disjointset implements a small generic union-find, used by the
// iteration-domain equivalence maps.
package disjointset

// DisjointSet tracks a partition of elements into equivalence classes.
// Elements are added implicitly on first use; an element never seen is its
// own singleton class.
type DisjointSet[T comparable] struct {
	parent map[T]T
	rank   map[T]int

	// Insertion order of every element ever seen, so class enumeration is
	// deterministic.
	elements []T
}

// New returns an empty DisjointSet.
func New[T comparable]() *DisjointSet[T] {
	return &DisjointSet[T]{
		parent: make(map[T]T),
		rank:   make(map[T]int),
	}
}

// Add ensures x is present as (at least) a singleton class.
func (d *DisjointSet[T]) Add(x T) {
	if _, found := d.parent[x]; found {
		return
	}
	d.parent[x] = x
	d.rank[x] = 0
	d.elements = append(d.elements, x)
}

// Find returns the representative of x's class, with path compression.
func (d *DisjointSet[T]) Find(x T) T {
	d.Add(x)
	root := x
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for d.parent[x] != root {
		d.parent[x], x = root, d.parent[x]
	}
	return root
}

// Union merges the classes of a and b.
func (d *DisjointSet[T]) Union(a, b T) {
	ra, rb := d.Find(a), d.Find(b)
	if ra == rb {
		return
	}
	if d.rank[ra] < d.rank[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	if d.rank[ra] == d.rank[rb] {
		d.rank[ra]++
	}
}

// Same reports whether a and b are in the same class.
func (d *DisjointSet[T]) Same(a, b T) bool {
	if a == b {
		return true
	}
	_, foundA := d.parent[a]
	_, foundB := d.parent[b]
	if !foundA || !foundB {
		return false
	}
	return d.Find(a) == d.Find(b)
}

// Members returns every element in x's class, in global insertion order.
func (d *DisjointSet[T]) Members(x T) []T {
	if _, found := d.parent[x]; !found {
		return []T{x}
	}
	root := d.Find(x)
	var members []T
	for _, e := range d.elements {
		if d.Find(e) == root {
			members = append(members, e)
		}
	}
	return members
}
