package store

// RemoveMarked removes every slot of dst whose key is also present in
// marks, walking the intersection of the presence masks at each level so
// unmarked branches are never visited. Each removal goes through Remove and
// is journaled with the usual idempotence rules (a slot created earlier in
// the tick cancels out of the journal entirely).
//
// Returns the number of slots removed.
func RemoveMarked[T, M any](dst *Storage[T], marks *Storage[M]) int {
	removed := 0
	eachSetBit(dst.presence&marks.presence, func(storageIdx uint32) {
		dstPage := dst.pages[storageIdx]
		markPage := marks.pages[storageIdx]
		eachSetBit(dstPage.presence&markPage.presence, func(pageIdx uint32) {
			dstChunk := dstPage.chunks[pageIdx]
			markChunk := markPage.chunks[pageIdx]
			eachSetBit(dstChunk.presence&markChunk.presence, func(chunkIdx uint32) {
				if dst.Remove(joinKey(storageIdx, pageIdx, chunkIdx)) {
					removed++
				}
			})
		})
	})
	return removed
}
