package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotLive copies the present keys and values for later comparison.
func snapshotLive(s *Storage[int32]) map[uint32]int32 {
	out := make(map[uint32]int32)
	s.EachPresent(func(key uint32, v *int32) {
		out[key] = *v
	})
	return out
}

func assertLiveEquals(t *testing.T, s *Storage[int32], want map[uint32]int32) {
	t.Helper()
	assert.Equal(t, want, snapshotLive(s))
	assert.Equal(t, uint32(len(want)), s.Count())
	require.NoError(t, s.VerifyInvariants())
}

func TestCommitRollbackIdentity(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 10, 1)
	mustSet(t, s, 4100, 2)
	before := snapshotLive(s)
	genBefore := s.Generation()

	s.CommitTick(1)
	mustSet(t, s, 10, 99)
	mustSet(t, s, 11, 100)
	s.Remove(4100)
	s.NextGeneration()

	require.NoError(t, s.Rollback(1))
	assertLiveEquals(t, s, before)
	assert.Equal(t, genBefore, s.Generation())
}

func TestIdempotentDoubleSet(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 50, 5)
	before := snapshotLive(s)

	s.CommitTick(1)
	mustSet(t, s, 50, 7)
	mustSet(t, s, 50, 7)

	got, ok := s.Get(50)
	require.True(t, ok)
	assert.Equal(t, int32(7), *got)
	assert.True(t, s.WasChanged(50))

	require.NoError(t, s.Rollback(1))
	assertLiveEquals(t, s, before)
}

func TestAddChangeRemoveSameTickCancels(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 7, 70) // unrelated survivor
	before := snapshotLive(s)

	s.CommitTick(1)
	mustSet(t, s, 100, 1)
	mustSet(t, s, 100, 2)
	require.True(t, s.Remove(100))

	// The journal forgot the slot and the chunk's hierarchy bits cleared
	// along with it: key 100 lives in a different chunk than key 7.
	assert.True(t, s.Journal().Untouched(100))
	storageIdx, pageIdx, _ := splitKey(100)
	page := s.Journal().Page(storageIdx)
	if page != nil {
		assert.Nil(t, page.Chunk(pageIdx))
	}

	require.NoError(t, s.Rollback(1))
	assertLiveEquals(t, s, before)
}

func TestAddRemoveCancelClearsHierarchyBits(t *testing.T) {
	s := New[int32]()
	s.CommitTick(1)

	mustSet(t, s, 100, 1)
	require.True(t, s.Remove(100))

	assert.Equal(t, uint64(0), s.Journal().ChangedMask())
	require.NoError(t, s.VerifyJournal())
}

func TestRemoveThenAddSameTickIsChange(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 200, 1) // value A
	s.CommitTick(1)

	require.True(t, s.Remove(200))
	assert.True(t, s.WasRemoved(200))

	mustSet(t, s, 200, 2) // value B
	assert.True(t, s.WasChanged(200))
	assert.False(t, s.WasCreated(200))

	// The stored pre-image is still the tick-start value.
	storageIdx, pageIdx, chunkIdx := splitKey(200)
	chunk := s.Journal().Page(storageIdx).Chunk(pageIdx)
	require.NotNil(t, chunk)
	assert.Equal(t, int32(1), chunk.PreImage(chunkIdx))

	require.NoError(t, s.Rollback(1))
	got, ok := s.Get(200)
	require.True(t, ok)
	assert.Equal(t, int32(1), *got)
}

func TestJournalKindsAreMutuallyExclusive(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 1, 1)
	mustSet(t, s, 2, 2)
	s.CommitTick(1)

	mustSet(t, s, 1, 10)    // changed
	require.True(t, s.Remove(2)) // removed
	mustSet(t, s, 3, 30)    // created

	assert.True(t, s.WasChanged(1))
	assert.False(t, s.WasCreated(1) || s.WasRemoved(1))
	assert.True(t, s.WasRemoved(2))
	assert.False(t, s.WasCreated(2) || s.WasChanged(2))
	assert.True(t, s.WasCreated(3))
	assert.False(t, s.WasChanged(3) || s.WasRemoved(3))
	require.NoError(t, s.VerifyJournal())
}

func TestCreatedThenOverwrittenStaysCreated(t *testing.T) {
	s := New[int32]()
	s.CommitTick(1)

	mustSet(t, s, 40, 1)
	mustSet(t, s, 40, 2)
	assert.True(t, s.WasCreated(40))
	assert.False(t, s.WasChanged(40))

	require.NoError(t, s.Rollback(1))
	_, ok := s.Get(40)
	assert.False(t, ok)
}

func TestRollbackMultipleTicks(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 1, 100)
	after0 := snapshotLive(s)

	s.CommitTick(1)
	mustSet(t, s, 1, 101)
	mustSet(t, s, 2, 200)
	after1 := snapshotLive(s)

	s.CommitTick(2)
	s.Remove(1)
	mustSet(t, s, 3, 300)

	s.CommitTick(3)
	mustSet(t, s, 2, 201)

	require.NoError(t, s.Rollback(2))
	assertLiveEquals(t, s, after1)

	// The fresh in-progress snapshot is empty, so undoing one more
	// committed tick pops it plus one ring snapshot.
	require.NoError(t, s.Rollback(2))
	assertLiveEquals(t, s, after0)
}

func TestHistoryRingOverflow(t *testing.T) {
	s := New[int32]()
	for tick := Tick(1); tick <= 65; tick++ {
		s.CommitTick(tick)
	}
	assert.Equal(t, historyDepth, s.HistoryLen())

	require.ErrorIs(t, s.Rollback(65), ErrSnapshotUnavailable)
	require.NoError(t, s.Rollback(64))
}

func TestRollbackBeyondHistoryFails(t *testing.T) {
	s := New[int32]()
	s.CommitTick(1)
	require.ErrorIs(t, s.Rollback(3), ErrSnapshotUnavailable)

	// The failed call left everything intact.
	require.NoError(t, s.Rollback(1))
}

func TestRecycledSnapshotsComeFromPool(t *testing.T) {
	s := New[int32]()
	for tick := Tick(1); tick <= 70; tick++ {
		_, err := s.Set(uint32(tick), int32(tick))
		require.NoError(t, err)
		s.CommitTick(tick)
	}
	// Ring stayed bounded and the oldest snapshots were recycled.
	assert.Equal(t, historyDepth, s.HistoryLen())
	require.NoError(t, s.Rollback(10))
	require.NoError(t, s.VerifyInvariants())
}

func TestGenerationRestoredAcrossRollback(t *testing.T) {
	s := New[int32]()
	s.NextGeneration()
	s.NextGeneration()
	gen := s.Generation()

	s.CommitTick(1)
	s.NextGeneration()
	s.CommitTick(2)
	s.NextGeneration()

	require.NoError(t, s.Rollback(2))
	assert.Equal(t, gen, s.Generation())
}

func TestRollbackClearsChangedMasks(t *testing.T) {
	s := New[int32]()
	s.CommitTick(1)
	mustSet(t, s, 9, 9)

	require.NoError(t, s.Rollback(1))
	assert.Equal(t, uint64(0), s.ChangedMask())
}

func TestRollbackRestoresRemovedFullChunk(t *testing.T) {
	s := New[int32]()
	for k := uint32(0); k < 64; k++ {
		mustSet(t, s, k, int32(k))
	}
	before := snapshotLive(s)

	s.CommitTick(1)
	for k := uint32(0); k < 64; k++ {
		require.True(t, s.Remove(k))
	}
	assert.Equal(t, uint32(0), s.Count())

	require.NoError(t, s.Rollback(1))
	assertLiveEquals(t, s, before)
	page := s.PageAt(0)
	assert.Equal(t, ^uint64(0), page.chunks[0].FullnessMask())
	assert.Equal(t, uint64(1), page.FullnessMask()&1)
}
