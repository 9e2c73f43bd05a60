package world

import (
	"github.com/veldt/engine/internal/sched"
	"github.com/veldt/engine/internal/store"
)

// componentCleanup removes every T whose key carries a Destroyed mark, then
// clears the store's change masks. Runs in the cleanup group after the last
// simulation wavefront; one instance per registered store, all mutually
// independent so the whole group is a single wavefront.
type componentCleanup[T any] struct {
	sched.BaseSystem
	name   string
	target *store.Storage[T]
	world  *World
}

func newComponentCleanup[T any](name string, target *store.Storage[T], w *World) *componentCleanup[T] {
	return &componentCleanup[T]{name: name, target: target, world: w}
}

func (c *componentCleanup[T]) Name() string { return "cleanup:" + c.name }

func (c *componentCleanup[T]) Reads() []sched.Resource {
	return []sched.Resource{c.world.destroyed}
}

func (c *componentCleanup[T]) Writes() []sched.Resource {
	return []sched.Resource{c.target}
}

func (c *componentCleanup[T]) Group() *sched.Group { return c.world.cleanup }

func (c *componentCleanup[T]) Run(*sched.Frame) {
	store.RemoveMarked(c.target, c.world.destroyed)
	c.target.ClearChangedMasks()
}

// temporaryCleanup drops a one-tick component store wholesale: every page,
// chunk and value freed, masks and counts zero. Runs in the destroy group
// so every componentCleanup has read the marks first.
type temporaryCleanup[T any] struct {
	sched.BaseSystem
	name   string
	target *store.Storage[T]
	world  *World
}

func newTemporaryCleanup[T any](name string, target *store.Storage[T], w *World) *temporaryCleanup[T] {
	return &temporaryCleanup[T]{name: name, target: target, world: w}
}

func (c *temporaryCleanup[T]) Name() string { return "drop:" + c.name }

func (c *temporaryCleanup[T]) Writes() []sched.Resource {
	return []sched.Resource{c.target}
}

func (c *temporaryCleanup[T]) Group() *sched.Group { return c.world.destroy }

func (c *temporaryCleanup[T]) Run(*sched.Frame) {
	c.target.DropAll()
}
