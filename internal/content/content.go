// Package content defines the contract splitlab consumes from the content
// repository that owns the page hierarchy, plus Tree, an in-process
// implementation the host system mirrors its structure into.
package content

import (
	"context"
	"sort"
	"sync"

	"splitlab/internal/apperr"
)

// Node is one page in the content hierarchy. ParentID is 0 for roots.
type Node struct {
	ID       int64 `json:"id"`
	ParentID int64 `json:"parentId"`
	Level    int   `json:"level"`
}

// Repository answers structural questions about the content tree.
type Repository interface {
	Node(ctx context.Context, id int64) (*Node, error)
	IsDescendantOf(ctx context.Context, ancestorID, nodeID int64) (bool, error)
	// DescendantsOf returns every node below id in depth-first pre-order.
	DescendantsOf(ctx context.Context, id int64) ([]Node, error)
	LevelOf(ctx context.Context, id int64) (int, error)
	ChildrenOf(ctx context.Context, id int64) ([]Node, error)
	Subscribe(o Observer)
}

// Observer receives structural change notifications.
type Observer interface {
	OnMoved(ctx context.Context, nodeID int64)
	OnInserted(ctx context.Context, nodeID int64)
	OnDeleted(ctx context.Context, nodeID int64)
}

// Tree is a mutex-guarded in-memory Repository. Levels start at 1 for roots
// and children are ordered by sort key, then id.
type Tree struct {
	mu        sync.RWMutex
	parent    map[int64]int64
	sortKey   map[int64]int
	children  map[int64][]int64
	observers []Observer
}

// NewTree returns an empty Tree.
func NewTree() *Tree {
	return &Tree{
		parent:   make(map[int64]int64),
		sortKey:  make(map[int64]int),
		children: make(map[int64][]int64),
	}
}

// Subscribe registers o for change notifications.
func (t *Tree) Subscribe(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

func (t *Tree) snapshotObservers() []Observer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Observer(nil), t.observers...)
}

// Insert adds node id under parent (0 for a root).
func (t *Tree) Insert(ctx context.Context, id, parent int64, sortKey int) error {
	if id <= 0 {
		return apperr.Validation.New("node id must be positive")
	}
	t.mu.Lock()
	if _, ok := t.parent[id]; ok {
		t.mu.Unlock()
		return apperr.Conflict.New("node %d already exists", id)
	}
	if parent != 0 {
		if _, ok := t.parent[parent]; !ok {
			t.mu.Unlock()
			return apperr.NotFound.New("parent node %d", parent)
		}
	}
	t.parent[id] = parent
	t.sortKey[id] = sortKey
	t.attach(id, parent)
	t.mu.Unlock()

	for _, o := range t.snapshotObservers() {
		o.OnInserted(ctx, id)
	}
	return nil
}

// Move reparents id under parent (0 for a root).
func (t *Tree) Move(ctx context.Context, id, parent int64) error {
	t.mu.Lock()
	old, ok := t.parent[id]
	if !ok {
		t.mu.Unlock()
		return apperr.NotFound.New("node %d", id)
	}
	if parent != 0 {
		if _, ok := t.parent[parent]; !ok {
			t.mu.Unlock()
			return apperr.NotFound.New("parent node %d", parent)
		}
		if parent == id || t.isDescendant(id, parent) {
			t.mu.Unlock()
			return apperr.Validation.New("cannot move node %d under its own subtree", id)
		}
	}
	if old != parent {
		t.detach(id, old)
		t.parent[id] = parent
		t.attach(id, parent)
	}
	t.mu.Unlock()

	for _, o := range t.snapshotObservers() {
		o.OnMoved(ctx, id)
	}
	return nil
}

// Delete removes id and its whole subtree. Observers get one OnDeleted per
// removed node, descendants before their ancestors.
func (t *Tree) Delete(ctx context.Context, id int64) error {
	t.mu.Lock()
	old, ok := t.parent[id]
	if !ok {
		t.mu.Unlock()
		return apperr.NotFound.New("node %d", id)
	}
	removed := append([]int64{id}, t.descendants(id)...)
	t.detach(id, old)
	for _, n := range removed {
		delete(t.parent, n)
		delete(t.sortKey, n)
		delete(t.children, n)
	}
	t.mu.Unlock()

	observers := t.snapshotObservers()
	for i := len(removed) - 1; i >= 0; i-- {
		for _, o := range observers {
			o.OnDeleted(ctx, removed[i])
		}
	}
	return nil
}

// Load replaces the whole tree without notifying observers. Nodes may come
// in any order; unknown parents make the call fail and leave the tree intact.
func (t *Tree) Load(nodes []Node) error {
	parent := make(map[int64]int64, len(nodes))
	sortKey := make(map[int64]int, len(nodes))
	for i, n := range nodes {
		if n.ID <= 0 {
			return apperr.Validation.New("node id must be positive")
		}
		if _, dup := parent[n.ID]; dup {
			return apperr.Conflict.New("node %d listed twice", n.ID)
		}
		parent[n.ID] = n.ParentID
		sortKey[n.ID] = i
	}
	for id, p := range parent {
		if p != 0 {
			if _, ok := parent[p]; !ok {
				return apperr.NotFound.New("parent node %d of %d", p, id)
			}
		}
	}

	next := &Tree{parent: parent, sortKey: sortKey, children: make(map[int64][]int64)}
	for id, p := range parent {
		next.children[p] = append(next.children[p], id)
	}
	for p := range next.children {
		next.sortChildren(p)
	}
	// Reject cycles: every node must reach a root.
	for id := range parent {
		seen := 0
		for cur := id; cur != 0; cur = parent[cur] {
			if seen++; seen > len(parent) {
				return apperr.Validation.New("cycle through node %d", id)
			}
		}
	}

	t.mu.Lock()
	t.parent, t.sortKey, t.children = next.parent, next.sortKey, next.children
	t.mu.Unlock()
	return nil
}

// Node implements Repository.
func (t *Tree) Node(_ context.Context, id int64) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.parent[id]
	if !ok {
		return nil, apperr.NotFound.New("node %d", id)
	}
	return &Node{ID: id, ParentID: p, Level: t.level(id)}, nil
}

// IsDescendantOf implements Repository. A node is not its own descendant.
func (t *Tree) IsDescendantOf(_ context.Context, ancestorID, nodeID int64) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.parent[nodeID]; !ok {
		return false, nil
	}
	return t.isDescendant(ancestorID, nodeID), nil
}

// DescendantsOf implements Repository.
func (t *Tree) DescendantsOf(_ context.Context, id int64) ([]Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.parent[id]; !ok {
		return nil, apperr.NotFound.New("node %d", id)
	}
	ids := t.descendants(id)
	out := make([]Node, len(ids))
	for i, d := range ids {
		out[i] = Node{ID: d, ParentID: t.parent[d], Level: t.level(d)}
	}
	return out, nil
}

// LevelOf implements Repository.
func (t *Tree) LevelOf(_ context.Context, id int64) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.parent[id]; !ok {
		return 0, apperr.NotFound.New("node %d", id)
	}
	return t.level(id), nil
}

// ChildrenOf implements Repository.
func (t *Tree) ChildrenOf(_ context.Context, id int64) ([]Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.parent[id]; !ok {
		return nil, apperr.NotFound.New("node %d", id)
	}
	kids := t.children[id]
	out := make([]Node, len(kids))
	level := t.level(id) + 1
	for i, c := range kids {
		out[i] = Node{ID: c, ParentID: id, Level: level}
	}
	return out, nil
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.parent)
}

// caller holds t.mu.

func (t *Tree) level(id int64) int {
	l := 1
	for p := t.parent[id]; p != 0; p = t.parent[p] {
		l++
	}
	return l
}

func (t *Tree) isDescendant(ancestor, id int64) bool {
	for p := t.parent[id]; p != 0; p = t.parent[p] {
		if p == ancestor {
			return true
		}
	}
	return false
}

func (t *Tree) descendants(id int64) []int64 {
	var out []int64
	var walk func(int64)
	walk = func(n int64) {
		for _, c := range t.children[n] {
			out = append(out, c)
			walk(c)
		}
	}
	walk(id)
	return out
}

func (t *Tree) attach(id, parent int64) {
	t.children[parent] = append(t.children[parent], id)
	t.sortChildren(parent)
}

func (t *Tree) detach(id, parent int64) {
	kids := t.children[parent]
	for i, c := range kids {
		if c == id {
			t.children[parent] = append(kids[:i:i], kids[i+1:]...)
			return
		}
	}
}

func (t *Tree) sortChildren(parent int64) {
	kids := t.children[parent]
	sort.SliceStable(kids, func(i, j int) bool {
		a, b := kids[i], kids[j]
		if t.sortKey[a] != t.sortKey[b] {
			return t.sortKey[a] < t.sortKey[b]
		}
		return a < b
	})
}
