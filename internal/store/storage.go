package store

import "fmt"

// Storage is a sparse keyed store of T with three 64-way levels:
// Storage → Page → Chunk → slot. Presence, fullness and change metadata is
// carried as one 64-bit mask per concern per node, so lookups and scans are
// mask walks instead of pointer chases over empty branches.
//
// Absent children share the store's read-only default page/chunk sentinels.
// A child is owned only when its pointer differs from the sentinel; write
// paths substitute an owned node before mutating, read paths may traverse a
// sentinel and observe all-zero masks.
//
// Every mutation is journaled into the current rollback snapshot. CommitTick
// seals that snapshot into a bounded history ring; Rollback unwinds it.
//
// A Storage is confined to the tick loop: one writer at a time, with
// chunk-scoped views handed to systems inside a wavefront.
type Storage[T any] struct {
	presence uint64
	fullness uint64
	changed  uint64
	count    uint32
	pages    [64]*Page[T]

	defaultChunk *Chunk[T]
	defaultPage  *Page[T]

	// generation stamps identities minted from this store (the entity
	// allocator); saved into each snapshot and restored on rollback.
	generation uint64

	current *RollbackStorage[T]
	history []*RollbackStorage[T] // oldest first, len <= historyDepth
	pool    []*RollbackStorage[T]
}

// historyDepth bounds the rollback ring: at most this many ticks can be
// unwound.
const historyDepth = 64

// New creates an empty storage with its default sentinels and a fresh
// rollback snapshot for tick 0.
func New[T any]() *Storage[T] {
	defaultChunk := &Chunk[T]{}
	s := &Storage[T]{
		defaultChunk: defaultChunk,
		defaultPage:  newPage(defaultChunk),
		current:      newRollbackStorage[T](0, 0),
	}
	for i := range s.pages {
		s.pages[i] = s.defaultPage
	}
	return s
}

// Count returns the number of present slots.
func (s *Storage[T]) Count() uint32 { return s.count }

// PresenceMask returns the page presence bitmask.
func (s *Storage[T]) PresenceMask() uint64 { return s.presence }

// FullnessMask returns the page fullness bitmask.
func (s *Storage[T]) FullnessMask() uint64 { return s.fullness }

// ChangedMask returns the page change bitmask.
func (s *Storage[T]) ChangedMask() uint64 { return s.changed }

// PageAt returns the page at idx. The result may be the shared default
// sentinel; callers must treat it as read-only.
func (s *Storage[T]) PageAt(idx uint32) *Page[T] { return s.pages[idx] }

// Generation returns the identity generation counter.
func (s *Storage[T]) Generation() uint64 { return s.generation }

// NextGeneration increments and returns the generation counter.
func (s *Storage[T]) NextGeneration() uint64 {
	s.generation++
	return s.generation
}

// Get returns a pointer to the value at key, or nil if absent. The pointer
// is stable until the slot is removed. O(1).
func (s *Storage[T]) Get(key uint32) (*T, bool) {
	if key >= MaxKeys {
		return nil, false
	}
	storageIdx, pageIdx, chunkIdx := splitKey(key)
	// Sentinel pages chain to the sentinel chunk, whose presence mask is
	// zero, so the descent needs no ownership checks.
	chunk := s.pages[storageIdx].chunks[pageIdx]
	if chunk.presence&(1<<chunkIdx) == 0 {
		return nil, false
	}
	return &chunk.slots[chunkIdx], true
}

// Set writes value at key, reporting whether the slot was already present.
// The pre-image of an overwrite (or the creation) is journaled, and
// presence/fullness/changed masks and counts are updated along the path.
func (s *Storage[T]) Set(key uint32, value T) (bool, error) {
	if key >= MaxKeys {
		return false, fmt.Errorf("set %d: %w", key, ErrKeyRange)
	}
	storageIdx, pageIdx, chunkIdx := splitKey(key)
	bit := uint64(1) << chunkIdx

	if s.pages[storageIdx] == s.defaultPage {
		s.pages[storageIdx] = newPage(s.defaultChunk)
	}
	page := s.pages[storageIdx]
	if page.chunks[pageIdx] == s.defaultChunk {
		page.chunks[pageIdx] = &Chunk[T]{}
	}
	chunk := page.chunks[pageIdx]

	wasPresent := chunk.presence&bit != 0
	s.current.noteSet(key, wasPresent, chunk.slots[chunkIdx])

	chunk.slots[chunkIdx] = value
	chunk.presence |= bit
	chunk.fullness |= bit // fullness == presence at chunk level
	chunk.changed |= bit

	if !wasPresent {
		page.count++
		s.count++
	}

	page.presence |= 1 << pageIdx
	if chunk.presence == ^uint64(0) {
		page.fullness |= 1 << pageIdx
	} else {
		page.fullness &^= 1 << pageIdx
	}
	page.fullness &= page.presence
	page.changed |= 1 << pageIdx

	s.presence |= 1 << storageIdx
	if page.count == PageSlots {
		s.fullness |= 1 << storageIdx
	} else {
		s.fullness &^= 1 << storageIdx
	}
	s.fullness &= s.presence
	s.changed |= 1 << storageIdx

	return wasPresent, nil
}

// Remove clears the slot at key and journals its pre-image. Removing an
// absent key returns false with no side effects, not even a journal entry.
// Nodes whose presence drains to zero are released back to the sentinel.
func (s *Storage[T]) Remove(key uint32) bool {
	if key >= MaxKeys {
		return false
	}
	storageIdx, pageIdx, chunkIdx := splitKey(key)
	bit := uint64(1) << chunkIdx

	page := s.pages[storageIdx]
	if page == s.defaultPage {
		return false
	}
	chunk := page.chunks[pageIdx]
	if chunk == s.defaultChunk || chunk.presence&bit == 0 {
		return false
	}

	old := chunk.slots[chunkIdx]
	var zero T
	chunk.slots[chunkIdx] = zero
	chunk.presence &^= bit
	chunk.fullness &^= bit
	chunk.changed |= bit

	s.current.noteRemove(key, old)

	page.count--
	s.count--
	page.fullness &^= 1 << pageIdx // chunk cannot be full after a removal
	if chunk.presence == 0 {
		page.chunks[pageIdx] = s.defaultChunk
		page.presence &^= 1 << pageIdx
	}
	page.fullness &= page.presence
	page.changed |= 1 << pageIdx

	s.fullness &^= 1 << storageIdx // page cannot be full after a removal
	if page.presence == 0 {
		s.pages[storageIdx] = s.defaultPage
		s.presence &^= 1 << storageIdx
	}
	s.fullness &= s.presence
	s.changed |= 1 << storageIdx

	return true
}

// FirstFreeKey descends the fullness masks to the lowest absent slot.
// Returns false when all 262,144 slots are occupied.
func (s *Storage[T]) FirstFreeKey() (uint32, bool) {
	storageIdx, ok := firstZeroBit(s.fullness)
	if !ok {
		return 0, false
	}
	page := s.pages[storageIdx]
	pageIdx, ok := firstZeroBit(page.fullness)
	if !ok {
		return 0, false
	}
	chunkIdx, ok := firstZeroBit(page.chunks[pageIdx].fullness)
	if !ok {
		return 0, false
	}
	return joinKey(storageIdx, pageIdx, chunkIdx), true
}

// ClearChangedMasks zeroes the change masks at every level, visiting only
// nodes whose bits are set.
func (s *Storage[T]) ClearChangedMasks() {
	eachSetBit(s.changed&s.presence, func(storageIdx uint32) {
		page := s.pages[storageIdx]
		eachSetBit(page.changed&page.presence, func(pageIdx uint32) {
			page.chunks[pageIdx].changed = 0
		})
		page.changed = 0
	})
	s.changed = 0
}

// PropagateChangedMasks ORs chunk-level change bits upward into page and
// storage masks. Chunk views set only the chunk bit; the tick runtime runs
// this serially after each wavefront.
func (s *Storage[T]) PropagateChangedMasks() {
	eachSetBit(s.presence, func(storageIdx uint32) {
		page := s.pages[storageIdx]
		eachSetBit(page.presence, func(pageIdx uint32) {
			if page.chunks[pageIdx].changed != 0 {
				page.changed |= 1 << pageIdx
				s.changed |= 1 << storageIdx
			}
		})
	})
}

// DropAll releases every page, chunk and value. Counts and masks go to
// zero. The rollback journal is not consulted: wholesale drops are for
// temporary components that live outside rollback scope.
func (s *Storage[T]) DropAll() {
	eachSetBit(s.presence, func(storageIdx uint32) {
		s.pages[storageIdx] = s.defaultPage
	})
	s.presence = 0
	s.fullness = 0
	s.changed = 0
	s.count = 0
}

// Journal returns the in-progress rollback snapshot.
func (s *Storage[T]) Journal() *RollbackStorage[T] { return s.current }

// WasCreated reports whether the in-progress snapshot marks key as created.
func (s *Storage[T]) WasCreated(key uint32) bool { return s.current.WasCreated(key) }

// WasChanged reports whether the in-progress snapshot marks key as changed.
func (s *Storage[T]) WasChanged(key uint32) bool { return s.current.WasChanged(key) }

// WasRemoved reports whether the in-progress snapshot marks key as removed.
func (s *Storage[T]) WasRemoved(key uint32) bool { return s.current.WasRemoved(key) }

// HistoryLen returns the number of sealed snapshots in the ring.
func (s *Storage[T]) HistoryLen() int { return len(s.history) }

// CommitTick seals the in-progress snapshot into the history ring and
// installs a fresh snapshot for tick, stamped with the live generation.
// When the ring is full the oldest snapshot is recycled into the pool.
func (s *Storage[T]) CommitTick(tick Tick) {
	s.sealCurrent()
	s.current = s.freshSnapshot(tick)
}

func (s *Storage[T]) sealCurrent() {
	s.history = append(s.history, s.current)
	if len(s.history) > historyDepth {
		oldest := s.history[0]
		copy(s.history, s.history[1:])
		s.history = s.history[:historyDepth]
		s.pool = append(s.pool, oldest)
	}
	s.current = nil
}

func (s *Storage[T]) freshSnapshot(tick Tick) *RollbackStorage[T] {
	if n := len(s.pool); n > 0 {
		snap := s.pool[n-1]
		s.pool = s.pool[:n-1]
		snap.resetForTick(tick, s.generation)
		return snap
	}
	return newRollbackStorage[T](tick, s.generation)
}

// Rollback unwinds the last n ticks, the in-progress snapshot included.
// Each popped snapshot is fully undone newest-first: created slots are
// removed, changed and removed slots get their pre-image written back. The
// generation saved in the oldest popped snapshot is restored, popped
// snapshots return to the pool, and live change masks are cleared.
func (s *Storage[T]) Rollback(n int) error {
	if n <= 0 {
		return nil
	}
	available := len(s.history) + 1
	if available > historyDepth {
		available = historyDepth
	}
	if n > available {
		return fmt.Errorf("rollback %d of %d ticks: %w", n, available, ErrSnapshotUnavailable)
	}

	tick := s.current.tick
	s.sealCurrent()

	var generation uint64
	for i := 0; i < n; i++ {
		last := len(s.history) - 1
		snap := s.history[last]
		s.history = s.history[:last]
		s.applySnapshot(snap)
		generation = snap.SavedGeneration()
		s.pool = append(s.pool, snap)
	}
	s.generation = generation
	s.ClearChangedMasks()
	s.current = s.freshSnapshot(tick)
	return nil
}

// applySnapshot undoes one tick's diff against the live tree. Only nodes
// reachable through set changed-mask bits exist; only slots whose changed or
// removed bit is set hold a pre-image.
func (s *Storage[T]) applySnapshot(snap *RollbackStorage[T]) {
	eachSetBit(snap.changed, func(storageIdx uint32) {
		rbPage := snap.pages[storageIdx]
		eachSetBit(rbPage.changed, func(pageIdx uint32) {
			rbChunk := rbPage.chunks[pageIdx]
			eachSetBit(rbChunk.created, func(chunkIdx uint32) {
				s.rawRemove(joinKey(storageIdx, pageIdx, chunkIdx))
			})
			eachSetBit(rbChunk.changed|rbChunk.removed, func(chunkIdx uint32) {
				s.rawSet(joinKey(storageIdx, pageIdx, chunkIdx), rbChunk.slots[chunkIdx])
			})
		})
	})
}

// rawSet writes a slot without journaling or change tracking (rollback
// restore path).
func (s *Storage[T]) rawSet(key uint32, value T) {
	storageIdx, pageIdx, chunkIdx := splitKey(key)
	bit := uint64(1) << chunkIdx

	if s.pages[storageIdx] == s.defaultPage {
		s.pages[storageIdx] = newPage(s.defaultChunk)
	}
	page := s.pages[storageIdx]
	if page.chunks[pageIdx] == s.defaultChunk {
		page.chunks[pageIdx] = &Chunk[T]{}
	}
	chunk := page.chunks[pageIdx]

	if chunk.presence&bit == 0 {
		page.count++
		s.count++
	}
	chunk.slots[chunkIdx] = value
	chunk.presence |= bit
	chunk.fullness |= bit

	page.presence |= 1 << pageIdx
	if chunk.presence == ^uint64(0) {
		page.fullness |= 1 << pageIdx
	} else {
		page.fullness &^= 1 << pageIdx
	}
	page.fullness &= page.presence

	s.presence |= 1 << storageIdx
	if page.count == PageSlots {
		s.fullness |= 1 << storageIdx
	} else {
		s.fullness &^= 1 << storageIdx
	}
	s.fullness &= s.presence
}

// rawRemove clears a slot without journaling or change tracking (rollback
// restore path). Absent slots are ignored.
func (s *Storage[T]) rawRemove(key uint32) {
	storageIdx, pageIdx, chunkIdx := splitKey(key)
	bit := uint64(1) << chunkIdx

	page := s.pages[storageIdx]
	if page == s.defaultPage {
		return
	}
	chunk := page.chunks[pageIdx]
	if chunk == s.defaultChunk || chunk.presence&bit == 0 {
		return
	}

	var zero T
	chunk.slots[chunkIdx] = zero
	chunk.presence &^= bit
	chunk.fullness &^= bit

	page.count--
	s.count--
	page.fullness &^= 1 << pageIdx
	if chunk.presence == 0 {
		page.chunks[pageIdx] = s.defaultChunk
		page.presence &^= 1 << pageIdx
	}
	page.fullness &= page.presence

	s.fullness &^= 1 << storageIdx
	if page.presence == 0 {
		s.pages[storageIdx] = s.defaultPage
		s.presence &^= 1 << storageIdx
	}
	s.fullness &= s.presence
}
