package world

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/veldt/engine/internal/sched"
	"github.com/veldt/engine/internal/store"
)

// Store is the type-erased surface the world needs from every component
// store to drive tick boundaries.
type Store interface {
	VerifyInvariants() error
	ClearChangedMasks()
	PropagateChangedMasks()
	CommitTick(store.Tick)
	Rollback(n int) error
	Remove(key uint32) bool
	DropAll()
	Count() uint32
}

// World owns the component stores, the entity allocator, and the scheduler,
// and drives them through ticks. A tick either completes or the process
// aborts; partial ticks are not observable.
//
// All access is confined to the tick loop goroutine except for systems
// dispatched inside a wavefront, which only touch the stores they declared.
type World struct {
	log       *zap.Logger
	scheduler *sched.Scheduler
	stores    []Store
	tick      store.Tick

	entities  *store.Storage[Entity]
	destroyed *store.Storage[Destroyed]

	initialization *sched.Group
	simulation     *sched.Group
	cleanup        *sched.Group
	destroy        *sched.Group

	// Cleanup systems are held back until Build so their data-hazard edges
	// come after every user system in registration order.
	cleanupSystems    []sched.System
	cleanupRegistered bool
}

// New creates a world with the built-in group chain (initialization →
// simulation → cleanup → destroy), the entity store and its cleanup system,
// and the Destroyed marker store.
func New(log *zap.Logger, workers int, strict bool) *World {
	w := &World{
		log:            log,
		scheduler:      sched.New(log, workers, strict),
		initialization: sched.NewGroup("initialization", nil),
	}
	w.simulation = sched.NewGroup("simulation", nil).RunAfter(w.initialization)
	w.cleanup = sched.NewGroup("cleanup", nil).RunAfter(w.simulation)
	w.destroy = sched.NewGroup("destroy", nil).RunAfter(w.cleanup)
	// Systems that declare no group run in simulation, which every cleanup
	// wavefront is ordered after.
	w.scheduler.SetDefaultGroup(w.simulation)

	w.entities = store.New[Entity]()
	w.destroyed = store.New[Destroyed]()
	w.stores = append(w.stores, w.entities, w.destroyed)

	w.cleanupSystems = append(w.cleanupSystems,
		newComponentCleanup("Entity", w.entities, w),
		newTemporaryCleanup("Destroyed", w.destroyed, w))
	return w
}

// Scheduler returns the system scheduler.
func (w *World) Scheduler() *sched.Scheduler { return w.scheduler }

// Tick returns the current tick (0 before the first RunTick).
func (w *World) Tick() store.Tick { return w.tick }

// InitializationGroup returns the built-in first group of each tick.
func (w *World) InitializationGroup() *sched.Group { return w.initialization }

// SimulationGroup returns the built-in group user systems usually join.
func (w *World) SimulationGroup() *sched.Group { return w.simulation }

// CleanupGroup returns the group where per-component cleanup runs.
func (w *World) CleanupGroup() *sched.Group { return w.cleanup }

// DestroyGroup returns the final group of each tick.
func (w *World) DestroyGroup() *sched.Group { return w.destroy }

// Entities returns the entity identity store.
func (w *World) Entities() *store.Storage[Entity] { return w.entities }

// DestroyedMarks returns the Destroyed marker store.
func (w *World) DestroyedMarks() *store.Storage[Destroyed] { return w.destroyed }

// AddStore registers a component store with the world and schedules its
// cleanup system: at tick end every value whose key carries a Destroyed
// mark is removed, then the store's change masks are cleared.
func AddStore[T any](w *World, name string) *store.Storage[T] {
	s := store.New[T]()
	w.stores = append(w.stores, s)
	w.cleanupSystems = append(w.cleanupSystems, newComponentCleanup(name, s, w))
	return s
}

// AddTemporaryStore registers a component store whose contents live for one
// tick only: at tick end it is dropped wholesale, outside rollback scope.
func AddTemporaryStore[T any](w *World, name string) *store.Storage[T] {
	s := store.New[T]()
	w.stores = append(w.stores, s)
	w.cleanupSystems = append(w.cleanupSystems, newTemporaryCleanup(name, s, w))
	return s
}

// Register adds a user system to the scheduler.
func (w *World) Register(sys sched.System) {
	w.scheduler.Register(sys)
}

// Build registers the deferred cleanup systems and materialises the
// scheduler's wavefronts.
func (w *World) Build() error {
	if !w.cleanupRegistered {
		for _, sys := range w.cleanupSystems {
			w.scheduler.Register(sys)
		}
		w.cleanupRegistered = true
	}
	return w.scheduler.Build()
}

// Spawn allocates the lowest free entity key, stamps it with the next
// generation, and stores the identity. Returns false when all slots are
// occupied.
func (w *World) Spawn() (Entity, bool) {
	gen := w.entities.NextGeneration()
	key, ok := w.entities.FirstFreeKey()
	if !ok {
		return NoEntity, false
	}
	e := NewEntity(key, gen)
	if _, err := w.entities.Set(key, e); err != nil {
		return NoEntity, false
	}
	return e, true
}

// Alive reports whether e still names a live entity (same key, same
// generation).
func (w *World) Alive(e Entity) bool {
	cur, ok := w.entities.Get(e.Key())
	return ok && *cur == e
}

// Destroy marks e for end-of-tick cleanup. Stale identities are ignored.
func (w *World) Destroy(e Entity) bool {
	if !w.Alive(e) {
		return false
	}
	_, err := w.destroyed.Set(e.Key(), Destroyed{})
	return err == nil
}

// RunTick executes one tick: user wavefronts with post-wavefront mask
// propagation, cleanup and destroy wavefronts, then a snapshot commit on
// every store.
func (w *World) RunTick() error {
	if !w.cleanupRegistered {
		if err := w.Build(); err != nil {
			return err
		}
	}
	w.tick++
	frame := &sched.Frame{Tick: w.tick}
	if err := w.scheduler.Run(frame); err != nil {
		return fmt.Errorf("tick %d: %w", w.tick, err)
	}
	for _, s := range w.stores {
		s.CommitTick(w.tick)
	}
	return nil
}

// Rollback unwinds the last n ticks on every store, the in-progress
// snapshots included. The entity generation counter travels with its store.
func (w *World) Rollback(n int) error {
	for _, s := range w.stores {
		if err := s.Rollback(n); err != nil {
			return err
		}
	}
	return nil
}

// VerifyInvariants checks every store; used at tick boundaries in tests.
func (w *World) VerifyInvariants() error {
	for _, s := range w.stores {
		if err := s.VerifyInvariants(); err != nil {
			return err
		}
	}
	return nil
}
