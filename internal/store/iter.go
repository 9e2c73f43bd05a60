package store

// Iteration walks set bits only. Each mask word is read once, when the walk
// reaches its node: the storage mask at the start, a page's mask when the
// walk descends into that page, a chunk's mask when it descends into that
// chunk. Mutations made by the callback are allowed. Keys added to a node the
// walk is already inside do not surface in the current walk; keys added to a
// page or chunk the walk has not reached yet do.

// EachPresent calls fn for every present slot, in key order.
func (s *Storage[T]) EachPresent(fn func(key uint32, v *T)) {
	eachSetBit(s.presence, func(storageIdx uint32) {
		page := s.pages[storageIdx]
		eachSetBit(page.presence, func(pageIdx uint32) {
			chunk := page.chunks[pageIdx]
			eachSetBit(chunk.presence, func(chunkIdx uint32) {
				fn(joinKey(storageIdx, pageIdx, chunkIdx), &chunk.slots[chunkIdx])
			})
		})
	})
}

// EachChanged calls fn for every slot that is both present and changed
// since the last mask clear, in key order.
func (s *Storage[T]) EachChanged(fn func(key uint32, v *T)) {
	eachSetBit(s.changed&s.presence, func(storageIdx uint32) {
		page := s.pages[storageIdx]
		eachSetBit(page.changed&page.presence, func(pageIdx uint32) {
			chunk := page.chunks[pageIdx]
			eachSetBit(chunk.changed&chunk.presence, func(chunkIdx uint32) {
				fn(joinKey(storageIdx, pageIdx, chunkIdx), &chunk.slots[chunkIdx])
			})
		})
	})
}
