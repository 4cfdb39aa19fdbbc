package freespace

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateNBlocks(t *testing.T) {
	m := New(64)

	require.NoError(t, m.AllocateNBlocks(0, 3))
	for b := uint32(0); b < 3; b++ {
		assert.True(t, m.IsMapped(b))
	}
	assert.False(t, m.IsMapped(3))

	// run spanning byte boundaries exercises all three phases
	require.NoError(t, m.AllocateNBlocks(5, 20))
	for b := uint32(5); b < 25; b++ {
		assert.True(t, m.IsMapped(b))
	}
	assert.False(t, m.IsMapped(4))
	assert.False(t, m.IsMapped(25))
}

func TestAllocateOutOfRange(t *testing.T) {
	m := New(16)
	assert.Error(t, m.AllocateNBlocks(10, 10))
	assert.Error(t, m.FreeNBlocks(16, 1))
}

func TestFreeNBlocks(t *testing.T) {
	m := New(64)
	require.NoError(t, m.AllocateNBlocks(0, 30))
	require.NoError(t, m.FreeNBlocks(10, 10))

	for b := uint32(0); b < 10; b++ {
		assert.True(t, m.IsMapped(b))
	}
	for b := uint32(10); b < 20; b++ {
		assert.False(t, m.IsMapped(b))
	}
	for b := uint32(20); b < 30; b++ {
		assert.True(t, m.IsMapped(b))
	}
}

func TestFindNFreeBlocksFirstFit(t *testing.T) {
	m := New(32)

	start, ok := m.FindNFreeBlocks(4)
	require.True(t, ok)
	assert.Equal(t, uint32(0), start)

	require.NoError(t, m.AllocateNBlocks(0, 3))
	require.NoError(t, m.AllocateNBlocks(8, 5))

	// hole [3, 8) fits 5
	start, ok = m.FindNFreeBlocks(5)
	require.True(t, ok)
	assert.Equal(t, uint32(3), start)

	// but not 6: first fit past the second run
	start, ok = m.FindNFreeBlocks(6)
	require.True(t, ok)
	assert.Equal(t, uint32(13), start)
}

func TestFindNFreeBlocksExhausted(t *testing.T) {
	m := New(16)
	require.NoError(t, m.AllocateNBlocks(0, 16))

	_, ok := m.FindNFreeBlocks(1)
	assert.False(t, ok)

	require.NoError(t, m.FreeNBlocks(6, 2))
	start, ok := m.FindNFreeBlocks(2)
	require.True(t, ok)
	assert.Equal(t, uint32(6), start)

	_, ok = m.FindNFreeBlocks(3)
	assert.False(t, ok)
}

func TestAllocateThenFreeRestoresEmpty(t *testing.T) {
	m := New(40)
	require.NoError(t, m.AllocateNBlocks(7, 21))
	require.NoError(t, m.FreeNBlocks(7, 21))
	assert.True(t, m.Equal(New(40)))
}
