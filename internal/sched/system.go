package sched

import (
	"reflect"

	"github.com/veldt/engine/internal/store"
)

// Frame carries the per-tick context handed to every system.
type Frame struct {
	Tick store.Tick
}

// Resource identifies something a system reads or writes, compared by
// identity. Component stores are the usual resources: pass the *Storage[T]
// handle itself.
type Resource any

// Propagator is implemented by resources that defer upward change-mask
// propagation; the scheduler runs it serially after each wavefront that
// wrote the resource.
type Propagator interface {
	PropagateChangedMasks()
}

// System is one unit of per-tick work. Reads and Writes declare data
// hazards; Before and After declare explicit ordering against other system
// types; Group attaches the system to a (possibly nested) group whose
// constraints it inherits.
//
// A system runs to completion on one worker; the wavefront barrier is the
// only synchronisation it may rely on.
type System interface {
	Name() string
	Run(*Frame)
	Reads() []Resource
	Writes() []Resource
	Before() []reflect.Type
	After() []reflect.Type
	Group() *Group
}

// BaseSystem provides empty defaults for the declarative methods; embed it
// and override what the system needs.
type BaseSystem struct{}

func (BaseSystem) Reads() []Resource     { return nil }
func (BaseSystem) Writes() []Resource    { return nil }
func (BaseSystem) Before() []reflect.Type { return nil }
func (BaseSystem) After() []reflect.Type  { return nil }
func (BaseSystem) Group() *Group          { return nil }

// TypeFor names a system type for Before/After lists, e.g.
// TypeFor[*MoveSystem]().
func TypeFor[S any]() reflect.Type {
	return reflect.TypeOf((*S)(nil)).Elem()
}
