// Package hierarchy layers parent/child relationships over the component
// store. Parent changes are staged in a pending field and applied by a
// system that walks the change masks, so a tick sees a consistent tree and
// every link update is journaled for rollback.
package hierarchy

import (
	"github.com/veldt/engine/internal/sched"
	"github.com/veldt/engine/internal/store"
	"github.com/veldt/engine/internal/world"
)

// ChildOf links an entity into its parent's child list.
type ChildOf struct {
	Parent        world.Entity
	NextSibling   world.Entity
	PrevSibling   world.Entity
	PendingParent world.Entity
}

// ParentOf anchors an entity's doubly linked child list.
type ParentOf struct {
	FirstChild world.Entity
	LastChild  world.Entity
}

// SetParent stages a reparent of child. The link becomes visible after the
// update system runs.
func SetParent(children *store.Storage[ChildOf], child, parent world.Entity) error {
	rel := ChildOf{PendingParent: parent}
	if cur, ok := children.Get(child.Key()); ok {
		rel = *cur
		rel.PendingParent = parent
	}
	_, err := children.Set(child.Key(), rel)
	return err
}

// UpdateSystem applies staged reparents: it walks the ChildOf change masks,
// unlinks each pending child from its old parent's list and appends it to
// the new one.
type UpdateSystem struct {
	sched.BaseSystem
	w        *world.World
	children *store.Storage[ChildOf]
	parents  *store.Storage[ParentOf]
}

// NewUpdateSystem creates the reparenting system over the given relation
// stores.
func NewUpdateSystem(w *world.World, children *store.Storage[ChildOf], parents *store.Storage[ParentOf]) *UpdateSystem {
	return &UpdateSystem{w: w, children: children, parents: parents}
}

func (s *UpdateSystem) Name() string { return "hierarchy:update" }

func (s *UpdateSystem) Reads() []sched.Resource {
	return []sched.Resource{s.w.Entities()}
}

func (s *UpdateSystem) Writes() []sched.Resource {
	return []sched.Resource{s.children, s.parents}
}

func (s *UpdateSystem) Run(*sched.Frame) {
	type pending struct {
		child  world.Entity
		parent world.Entity
	}
	var work []pending
	s.children.EachChanged(func(key uint32, rel *ChildOf) {
		if rel.PendingParent.IsNone() {
			return
		}
		child, ok := s.w.Entities().Get(key)
		if !ok {
			return
		}
		work = append(work, pending{child: *child, parent: rel.PendingParent})
	})

	for _, p := range work {
		s.apply(p.child, p.parent)
	}
}

func (s *UpdateSystem) apply(child, parent world.Entity) {
	rel, ok := s.children.Get(child.Key())
	if !ok {
		return
	}
	updated := *rel
	if !updated.Parent.IsNone() {
		s.unlink(child, updated)
		updated.PrevSibling = world.NoEntity
		updated.NextSibling = world.NoEntity
	}

	if s.w.Alive(parent) {
		if anchor, ok := s.parents.Get(parent.Key()); ok && !anchor.LastChild.IsNone() {
			last := anchor.LastChild
			if lastRel, ok := s.children.Get(last.Key()); ok {
				lr := *lastRel
				lr.NextSibling = child
				_, _ = s.children.Set(last.Key(), lr)
			}
			updated.PrevSibling = last
			_, _ = s.parents.Set(parent.Key(), ParentOf{FirstChild: anchor.FirstChild, LastChild: child})
		} else {
			_, _ = s.parents.Set(parent.Key(), ParentOf{FirstChild: child, LastChild: child})
		}
		updated.Parent = parent
	} else {
		updated.Parent = world.NoEntity
	}

	updated.PendingParent = world.NoEntity
	_, _ = s.children.Set(child.Key(), updated)
}

// unlink removes child from its current parent's list, patching sibling and
// anchor references.
func (s *UpdateSystem) unlink(child world.Entity, rel ChildOf) {
	if prev := rel.PrevSibling; !prev.IsNone() {
		if prevRel, ok := s.children.Get(prev.Key()); ok {
			pr := *prevRel
			pr.NextSibling = rel.NextSibling
			_, _ = s.children.Set(prev.Key(), pr)
		}
	}
	if next := rel.NextSibling; !next.IsNone() {
		if nextRel, ok := s.children.Get(next.Key()); ok {
			nr := *nextRel
			nr.PrevSibling = rel.PrevSibling
			_, _ = s.children.Set(next.Key(), nr)
		}
	}
	if anchor, ok := s.parents.Get(rel.Parent.Key()); ok {
		a := *anchor
		if a.FirstChild == child {
			a.FirstChild = rel.NextSibling
		}
		if a.LastChild == child {
			a.LastChild = rel.PrevSibling
		}
		if a.FirstChild.IsNone() && a.LastChild.IsNone() {
			s.parents.Remove(rel.Parent.Key())
		} else {
			_, _ = s.parents.Set(rel.Parent.Key(), a)
		}
	}
}

// Children collects parent's child list in order. Intended for tests and
// traversal code outside the hot path.
func Children(children *store.Storage[ChildOf], parents *store.Storage[ParentOf], parent world.Entity) []world.Entity {
	anchor, ok := parents.Get(parent.Key())
	if !ok {
		return nil
	}
	var out []world.Entity
	for cur := anchor.FirstChild; !cur.IsNone(); {
		out = append(out, cur)
		rel, ok := children.Get(cur.Key())
		if !ok {
			break
		}
		cur = rel.NextSibling
	}
	return out
}
