package diskstore

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"bytes"
	"io/ioutil"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackkey/rackkey/pkg/block"
)

func testOptions(dir string, diskBlockSize, dataBlockSize, maxDataSize uint32) Options {
	return Options{
		Dir:           dir,
		FileName:      "store0",
		DiskBlockSize: diskBlockSize,
		DataBlockSize: dataBlockSize,
		MaxDataSize:   maxDataSize,
		KeyLenMax:     50,
	}
}

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "diskstore-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// patternPayload returns numBytes bytes of deterministic data.
func patternPayload(seed byte, numBytes int) []byte {
	payload := make([]byte, numBytes)
	for i := range payload {
		payload[i] = seed + byte(i)
	}
	return payload
}

// splitBlocks chops payload into blocks of dataBlockSize, last one short.
func splitBlocks(key string, payload []byte, dataBlockSize int) []block.Block {
	var blocks []block.Block
	for off := 0; off < len(payload); off += dataBlockSize {
		end := off + dataBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		blocks = append(blocks, block.Block{
			Key:  key,
			Num:  uint32(len(blocks)),
			Data: payload[off:end],
		})
	}
	return blocks
}

func joinBlocks(blocks []block.Block) []byte {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Num < blocks[j].Num })
	var payload []byte
	for i := range blocks {
		payload = append(payload, blocks[i].Data...)
	}
	return payload
}

func TestCreateAndReloadHeader(t *testing.T) {
	dir := tempDir(t)

	s, err := Open(testOptions(dir, 20, 40, 1024))
	require.NoError(t, err)

	h := s.Header()
	assert.Equal(t, uint32(Magic), h.Magic)
	assert.Equal(t, uint32(headerSize), h.BATOffset)
	assert.Equal(t, uint32(20), h.DiskBlockSize)
	assert.Equal(t, uint32(40), h.DataBlockSize)
	assert.Equal(t, uint32(1024), h.MaxDataSize)
	// 52 disk blocks, 62-byte entries
	assert.Equal(t, uint32(4+52*62), h.BATSize)
	assert.Equal(t, h.BATOffset+h.BATSize, h.BlockStoreOffset)
	require.NoError(t, s.Close())

	s2, err := Open(testOptions(dir, 20, 40, 1024))
	require.NoError(t, err)
	defer s2.Close()
	assert.True(t, h.Equal(s2.Header()))
}

func TestWriteAndReadOneKey(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 40, 1024))
	require.NoError(t, err)
	defer s.Close()

	payload := patternPayload(1, 90)
	blocks := splitBlocks("archive.zip", payload, 40)
	require.Len(t, blocks, 3)

	require.NoError(t, s.WriteBlocks("archive.zip", blocks))

	// 3 blocks with 4-byte prefixes: 102 bytes over 20-byte disk blocks
	assert.Equal(t, uint32(120), s.DataUsedSize())
	for b := uint32(0); b < 6; b++ {
		assert.True(t, s.IsMapped(b))
	}
	assert.False(t, s.IsMapped(6))

	out, err := s.ReadBlocks("archive.zip", []uint32{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, payload, joinBlocks(out))
	assert.Equal(t, uint32(40), out[0].DataSize())
	assert.Equal(t, uint32(10), out[2].DataSize())
}

func TestReadSubsetOfBlocks(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	payload := patternPayload(7, 80)
	require.NoError(t, s.WriteBlocks("k", splitBlocks("k", payload, 16)))

	out, err := s.ReadBlocks("k", []uint32{1, 3})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint32(1), out[0].Num)
	assert.Equal(t, payload[16:32], out[0].Data)
	assert.Equal(t, uint32(3), out[1].Num)
	assert.Equal(t, payload[48:64], out[1].Data)

	// empty request set returns everything
	all, err := s.ReadBlocks("k", nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// a block number that was never written must fail the read
	_, err = s.ReadBlocks("k", []uint32{1, 99})
	assert.Error(t, err)
}

func TestReadMultipleKeys(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	p1 := patternPayload(3, 48)
	p2 := patternPayload(9, 33)
	require.NoError(t, s.WriteBlocks("one", splitBlocks("one", p1, 16)))
	require.NoError(t, s.WriteBlocks("two", splitBlocks("two", p2, 16)))

	out1, err := s.ReadBlocks("one", nil)
	require.NoError(t, err)
	assert.Equal(t, p1, joinBlocks(out1))

	out2, err := s.ReadBlocks("two", nil)
	require.NoError(t, err)
	assert.Equal(t, p2, joinBlocks(out2))
}

func TestReadMissingKey(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadBlocks("ghost", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteBlocks("ghost"), ErrNotFound)
}

func TestOverwriteExistingKey(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	// 5 blocks, then 3 under the same key
	require.NoError(t, s.WriteBlocks("archive.zip", splitBlocks("archive.zip", patternPayload(1, 80), 16)))
	require.Equal(t, 1, s.NumEntries())

	p2 := patternPayload(2, 48)
	require.NoError(t, s.WriteBlocks("archive.zip", splitBlocks("archive.zip", p2, 16)))
	assert.Equal(t, 1, s.NumEntries())

	// each 16-byte block costs one 20-byte disk block with its prefix;
	// the overwrite reuses the run's head and releases the tail
	for b := uint32(0); b < 3; b++ {
		assert.True(t, s.IsMapped(b))
	}
	assert.False(t, s.IsMapped(3))
	assert.False(t, s.IsMapped(4))
	assert.Equal(t, uint32(60), s.DataUsedSize())

	out, err := s.ReadBlocks("archive.zip", nil)
	require.NoError(t, err)
	assert.Equal(t, p2, joinBlocks(out))
}

func TestIdempotentWrite(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	payload := patternPayload(5, 64)
	blocks := splitBlocks("k", payload, 16)

	require.NoError(t, s.WriteBlocks("k", blocks))
	used := s.DataUsedSize()

	require.NoError(t, s.WriteBlocks("k", blocks))
	assert.Equal(t, used, s.DataUsedSize())
	assert.Equal(t, 1, s.NumEntries())

	out, err := s.ReadBlocks("k", nil)
	require.NoError(t, err)
	assert.Equal(t, payload, joinBlocks(out))
}

func TestFragmentedWrite(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	// key1: blocks [0,3), key2: [3,8)
	require.NoError(t, s.WriteBlocks("key1", splitBlocks("key1", patternPayload(1, 48), 16)))
	require.NoError(t, s.WriteBlocks("key2", splitBlocks("key2", patternPayload(2, 80), 16)))
	require.NoError(t, s.DeleteBlocks("key1"))

	// a 4-block run does not fit the 3-block hole; first fit places it
	// directly after key2
	require.NoError(t, s.WriteBlocks("key3", splitBlocks("key3", patternPayload(3, 64), 16)))

	for b := uint32(0); b < 3; b++ {
		assert.False(t, s.IsMapped(b), "hole block %d", b)
	}
	for b := uint32(3); b < 12; b++ {
		assert.True(t, s.IsMapped(b), "block %d", b)
	}

	// a later 2-block run does fit the hole
	require.NoError(t, s.WriteBlocks("key4", splitBlocks("key4", patternPayload(4, 32), 16)))
	assert.True(t, s.IsMapped(0))
	assert.True(t, s.IsMapped(1))
	assert.False(t, s.IsMapped(2))
}

func TestRestartRecovery(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions(dir, 20, 16, 1024)

	s, err := Open(opts)
	require.NoError(t, err)

	p1 := patternPayload(11, 48)
	p2 := patternPayload(13, 50)
	require.NoError(t, s.WriteBlocks("archive.zip", splitBlocks("archive.zip", p1, 16)))
	require.NoError(t, s.WriteBlocks("notes.txt", splitBlocks("notes.txt", p2, 16)))

	wantHeader := s.Header()
	wantUsed := s.DataUsedSize()
	mapped := make(map[uint32]bool)
	for b := uint32(0); b < 52; b++ {
		mapped[b] = s.IsMapped(b)
	}
	require.NoError(t, s.Close())

	// reopen without wiping
	s2, err := Open(opts)
	require.NoError(t, err)
	defer s2.Close()

	assert.True(t, wantHeader.Equal(s2.Header()))
	assert.Equal(t, wantUsed, s2.DataUsedSize())
	assert.Equal(t, 2, s2.NumEntries())

	keys := s2.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"archive.zip", "notes.txt"}, keys)

	// free space map rebuilt from the BAT matches the pre-close state
	for b := uint32(0); b < 52; b++ {
		assert.Equal(t, mapped[b], s2.IsMapped(b), "block %d", b)
	}

	out, err := s2.ReadBlocks("archive.zip", nil)
	require.NoError(t, err)
	assert.Equal(t, p1, joinBlocks(out))

	out, err = s2.ReadBlocks("notes.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, p2, joinBlocks(out))
}

func TestRemoveExistingWipesStore(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions(dir, 20, 16, 1024)

	s, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, s.WriteBlocks("k", splitBlocks("k", patternPayload(1, 16), 16)))
	require.NoError(t, s.Close())

	opts.RemoveExisting = true
	s2, err := Open(opts)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, 0, s2.NumEntries())
}

func TestOutOfSpaceRestoresOldRun(t *testing.T) {
	dir := tempDir(t)
	// 10 disk blocks of 20 bytes
	s, err := Open(testOptions(dir, 20, 16, 200))
	require.NoError(t, err)
	defer s.Close()

	payload := patternPayload(1, 128) // 8 blocks -> [0,8)
	require.NoError(t, s.WriteBlocks("A", splitBlocks("A", payload, 16)))

	// 11 blocks cannot fit a 10-block store
	tooBig := splitBlocks("A", patternPayload(2, 176), 16)
	err = s.WriteBlocks("A", tooBig)
	assert.ErrorIs(t, err, ErrOutOfSpace)

	// the original entry and its allocation are untouched
	assert.Equal(t, 1, s.NumEntries())
	for b := uint32(0); b < 8; b++ {
		assert.True(t, s.IsMapped(b), "block %d", b)
	}
	assert.False(t, s.IsMapped(8))
	assert.False(t, s.IsMapped(9))

	out, err := s.ReadBlocks("A", nil)
	require.NoError(t, err)
	assert.Equal(t, payload, joinBlocks(out))
}

func TestDeleteBlocks(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteBlocks("k", splitBlocks("k", patternPayload(1, 64), 16)))
	require.NoError(t, s.DeleteBlocks("k"))

	assert.Equal(t, 0, s.NumEntries())
	assert.Equal(t, uint32(0), s.DataUsedSize())
	for b := uint32(0); b < 4; b++ {
		assert.False(t, s.IsMapped(b))
	}

	_, err = s.ReadBlocks("k", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeysAndBlockNums(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteBlocks("one", splitBlocks("one", patternPayload(1, 48), 16)))
	require.NoError(t, s.WriteBlocks("two", splitBlocks("two", patternPayload(2, 50), 16)))

	keys := s.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"one", "two"}, keys)

	nums, err := s.BlockNums("one")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2}, nums)

	// 50 bytes over 16-byte blocks: 4 blocks, last one 2 bytes
	nums, err = s.BlockNums("two")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, nums)
}

func TestMalformedWrites(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.WriteBlocks("k", nil), ErrMalformed)

	// descending block numbers
	blocks := []block.Block{
		{Key: "k", Num: 1, Data: bytes.Repeat([]byte{1}, 16)},
		{Key: "k", Num: 0, Data: bytes.Repeat([]byte{1}, 16)},
	}
	assert.ErrorIs(t, s.WriteBlocks("k", blocks), ErrMalformed)

	// short non-final block
	blocks = []block.Block{
		{Key: "k", Num: 0, Data: bytes.Repeat([]byte{1}, 8)},
		{Key: "k", Num: 1, Data: bytes.Repeat([]byte{1}, 16)},
	}
	assert.ErrorIs(t, s.WriteBlocks("k", blocks), ErrMalformed)

	// oversized block
	blocks = []block.Block{{Key: "k", Num: 0, Data: bytes.Repeat([]byte{1}, 17)}}
	assert.ErrorIs(t, s.WriteBlocks("k", blocks), ErrMalformed)
}

func TestKeyTooLong(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(testOptions(dir, 20, 16, 1024))
	require.NoError(t, err)
	defer s.Close()

	long := string(bytes.Repeat([]byte{'x'}, 51))
	err = s.WriteBlocks(long, splitBlocks(long, patternPayload(1, 16), 16))
	assert.Error(t, err)
}
