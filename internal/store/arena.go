package store

// arena carves rollback pages and chunks out of fixed-size slabs so that a
// whole snapshot can be recycled by resetting two counters. Reset keeps the
// slabs; nodes are re-zeroed lazily when carved again, so stale slot values
// may linger in a pooled snapshot until overwritten. They are never
// observable: rollback reads are gated on the masks of the node that owns
// them.
const arenaSlab = 16

type arena[T any] struct {
	pageSlabs  [][]RollbackPage[T]
	chunkSlabs [][]RollbackChunk[T]
	pagesUsed  int
	chunksUsed int
}

func (a *arena[T]) newPage() *RollbackPage[T] {
	slab := a.pagesUsed / arenaSlab
	if slab == len(a.pageSlabs) {
		a.pageSlabs = append(a.pageSlabs, make([]RollbackPage[T], arenaSlab))
	}
	p := &a.pageSlabs[slab][a.pagesUsed%arenaSlab]
	a.pagesUsed++
	p.changed = 0
	p.chunks = [64]*RollbackChunk[T]{}
	return p
}

func (a *arena[T]) newChunk() *RollbackChunk[T] {
	slab := a.chunksUsed / arenaSlab
	if slab == len(a.chunkSlabs) {
		a.chunkSlabs = append(a.chunkSlabs, make([]RollbackChunk[T], arenaSlab))
	}
	c := &a.chunkSlabs[slab][a.chunksUsed%arenaSlab]
	a.chunksUsed++
	c.created = 0
	c.changed = 0
	c.removed = 0
	return c
}

// reset recycles every carved node. O(1): the slabs stay allocated and the
// use counters rewind.
func (a *arena[T]) reset() {
	a.pagesUsed = 0
	a.chunksUsed = 0
}
