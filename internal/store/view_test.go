package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewChunkRequiresOwnedChunk(t *testing.T) {
	s := New[int32]()
	_, err := s.ViewChunk(10)
	require.Error(t, err)

	mustSet(t, s, 10, 1)
	_, err = s.ViewChunk(10)
	require.NoError(t, err)

	_, err = s.ViewChunk(MaxKeys)
	require.ErrorIs(t, err, ErrKeyRange)
}

func TestViewReadAndPresence(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 65, 42) // page 0, chunk 1, slot 1

	v, err := s.ViewChunk(65)
	require.NoError(t, err)

	assert.True(t, v.Present(1))
	assert.False(t, v.Present(2))

	got, ok := v.At(1)
	require.True(t, ok)
	assert.Equal(t, int32(42), *got)

	_, ok = v.At(2)
	assert.False(t, ok)
}

func TestViewWriteRejectsAbsentSlot(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 65, 42)

	v, err := s.ViewChunk(65)
	require.NoError(t, err)

	require.Error(t, v.Write(2, 1))
	require.Error(t, v.Write(64, 1))

	// Presence and fullness untouched either way.
	page := s.PageAt(0)
	assert.Equal(t, uint64(1)<<1, page.chunks[1].PresenceMask())
	assert.Equal(t, uint64(1)<<1, page.chunks[1].FullnessMask())
}

func TestViewWriteJournalsAndDefersPropagation(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 65, 42)
	s.CommitTick(1)
	s.ClearChangedMasks()

	v, err := s.ViewChunk(65)
	require.NoError(t, err)
	require.NoError(t, v.Write(1, 43))

	got, ok := s.Get(65)
	require.True(t, ok)
	assert.Equal(t, int32(43), *got)

	// Chunk-level bit set, ancestors untouched until the runtime pass.
	page := s.PageAt(0)
	assert.NotZero(t, page.chunks[1].ChangedMask())
	assert.Equal(t, uint64(0), page.ChangedMask())
	assert.Equal(t, uint64(0), s.ChangedMask())

	s.PropagateChangedMasks()
	assert.NotZero(t, page.ChangedMask())
	assert.NotZero(t, s.ChangedMask())

	// The journal saw the pre-image, so rollback restores it.
	assert.True(t, s.WasChanged(65))
	require.NoError(t, s.Rollback(1))
	got, ok = s.Get(65)
	require.True(t, ok)
	assert.Equal(t, int32(42), *got)
}

func TestViewWritePreservesFirstPreImage(t *testing.T) {
	s := New[int32]()
	mustSet(t, s, 5, 1)
	s.CommitTick(1)

	v, err := s.ViewChunk(5)
	require.NoError(t, err)
	require.NoError(t, v.Write(5, 2))
	require.NoError(t, v.Write(5, 3))

	storageIdx, pageIdx, chunkIdx := splitKey(5)
	chunk := s.Journal().Page(storageIdx).Chunk(pageIdx)
	require.NotNil(t, chunk)
	assert.Equal(t, int32(1), chunk.PreImage(chunkIdx))
}
