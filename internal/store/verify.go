package store

import "fmt"

// VerifyInvariants walks the live tree and checks the structural invariants:
// fullness is a subset of presence at every non-leaf, chunk fullness equals
// chunk presence, counts agree bottom-up, full counts imply full masks, and
// presence bits point at owned nodes. Intended for tests and tick-boundary
// debug checks; violations are programmer errors.
func (s *Storage[T]) VerifyInvariants() error {
	if s.fullness&^s.presence != 0 {
		return fmt.Errorf("storage fullness %#x not a subset of presence %#x", s.fullness, s.presence)
	}
	if s.count > MaxKeys {
		return fmt.Errorf("storage count %d exceeds capacity", s.count)
	}
	if s.count == MaxKeys && s.fullness != s.presence {
		return fmt.Errorf("storage at capacity but fullness %#x != presence %#x", s.fullness, s.presence)
	}

	var total uint32
	var err error
	eachSetBit(s.presence, func(storageIdx uint32) {
		if err != nil {
			return
		}
		page := s.pages[storageIdx]
		if page == s.defaultPage {
			err = fmt.Errorf("page %d present but not owned", storageIdx)
			return
		}
		if e := s.verifyPage(storageIdx, page); e != nil {
			err = e
			return
		}
		total += page.count
	})
	if err != nil {
		return err
	}
	if total != s.count {
		return fmt.Errorf("storage count %d != sum of page counts %d", s.count, total)
	}
	return nil
}

func (s *Storage[T]) verifyPage(storageIdx uint32, page *Page[T]) error {
	if page.fullness&^page.presence != 0 {
		return fmt.Errorf("page %d fullness %#x not a subset of presence %#x", storageIdx, page.fullness, page.presence)
	}
	if page.count > PageSlots {
		return fmt.Errorf("page %d count %d exceeds capacity", storageIdx, page.count)
	}
	if page.count == PageSlots && page.fullness != page.presence {
		return fmt.Errorf("page %d at capacity but fullness %#x != presence %#x", storageIdx, page.fullness, page.presence)
	}

	var total uint32
	var err error
	eachSetBit(page.presence, func(pageIdx uint32) {
		if err != nil {
			return
		}
		chunk := page.chunks[pageIdx]
		if chunk == s.defaultChunk {
			err = fmt.Errorf("chunk %d/%d present but not owned", storageIdx, pageIdx)
			return
		}
		if chunk.fullness != chunk.presence {
			err = fmt.Errorf("chunk %d/%d fullness %#x != presence %#x", storageIdx, pageIdx, chunk.fullness, chunk.presence)
			return
		}
		if chunk.presence == 0 {
			err = fmt.Errorf("chunk %d/%d owned but empty", storageIdx, pageIdx)
			return
		}
		total += uint32(popcount(chunk.presence))
	})
	if err != nil {
		return err
	}
	if total != page.count {
		return fmt.Errorf("page %d count %d != sum of chunk counts %d", storageIdx, page.count, total)
	}
	return nil
}

// VerifyJournal checks the in-progress snapshot: per slot at most one of
// created/changed/removed is set, and every changed-mask bit set at page or
// storage level leads to an existing node that carries a diff. Nodes under
// clear bits are not inspected.
func (s *Storage[T]) VerifyJournal() error {
	snap := s.current
	var err error
	eachSetBit(snap.changed, func(storageIdx uint32) {
		if err != nil {
			return
		}
		page := snap.pages[storageIdx]
		if page == nil {
			err = fmt.Errorf("journal page %d marked but missing", storageIdx)
			return
		}
		if page.changed == 0 {
			err = fmt.Errorf("journal page %d marked but empty", storageIdx)
			return
		}
		eachSetBit(page.changed, func(pageIdx uint32) {
			if err != nil {
				return
			}
			chunk := page.chunks[pageIdx]
			if chunk == nil {
				err = fmt.Errorf("journal chunk %d/%d marked but missing", storageIdx, pageIdx)
				return
			}
			if chunk.created&chunk.changed|chunk.created&chunk.removed|chunk.changed&chunk.removed != 0 {
				err = fmt.Errorf("journal chunk %d/%d has overlapping masks", storageIdx, pageIdx)
				return
			}
			if chunk.created|chunk.changed|chunk.removed == 0 {
				err = fmt.Errorf("journal chunk %d/%d marked but empty", storageIdx, pageIdx)
			}
		})
	})
	return err
}
