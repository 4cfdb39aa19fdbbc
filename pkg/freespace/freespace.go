package freespace

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"fmt"
	"strings"
)

// Map is a bitmap over the fixed-size disk blocks of a store file's data
// section. A set bit means the block is allocated. Bits are packed eight
// per byte, LSB-first within a byte.
type Map struct {
	blockCapacity uint32
	bits          []uint8
}

// New returns a map with capacity for blockCapacity blocks, all free.
func New(blockCapacity uint32) *Map {
	return &Map{
		blockCapacity: blockCapacity,
		bits:          make([]uint8, (blockCapacity+7)/8),
	}
}

// BlockCapacity returns the number of blocks the map tracks.
func (m *Map) BlockCapacity() uint32 {
	return m.blockCapacity
}

// IsMapped reports whether blockNum is allocated.
func (m *Map) IsMapped(blockNum uint32) bool {
	if blockNum >= m.blockCapacity {
		return false
	}
	return m.bits[blockNum/8]&(1<<(blockNum%8)) != 0
}

// FindNFreeBlocks finds the lowest run of n contiguous free blocks and
// returns its starting block number. First-fit; there is no compaction.
// ok is false when no such run exists.
func (m *Map) FindNFreeBlocks(n uint32) (start uint32, ok bool) {
	if n == 0 || n > m.blockCapacity {
		return 0, false
	}

	var runStart, runLen uint32
	for b := uint32(0); b < m.blockCapacity; b++ {
		if m.IsMapped(b) {
			runLen = 0
			runStart = b + 1
			continue
		}
		runLen++
		if runLen == n {
			return runStart, true
		}
	}
	return 0, false
}

// AllocateNBlocks sets bits [start, start+n). The run is applied in three
// phases: the leading partial byte, whole bytes written as 0xFF, and the
// trailing partial byte, so aligned runs cost one byte write each.
func (m *Map) AllocateNBlocks(start, n uint32) error {
	if err := m.checkRange(start, n); err != nil {
		return err
	}

	remaining := n
	b := start

	// leading partial byte
	if b%8 != 0 {
		count := min32(8-b%8, remaining)
		m.setBitsInByte(b/8, b%8, count)
		b += count
		remaining -= count
	}

	// whole bytes
	for remaining >= 8 {
		m.bits[b/8] = 0xFF
		b += 8
		remaining -= 8
	}

	// trailing partial byte
	if remaining > 0 {
		m.setBitsInByte(b/8, 0, remaining)
	}
	return nil
}

// FreeNBlocks clears bits [start, start+n), symmetric to AllocateNBlocks.
func (m *Map) FreeNBlocks(start, n uint32) error {
	if err := m.checkRange(start, n); err != nil {
		return err
	}

	remaining := n
	b := start

	if b%8 != 0 {
		count := min32(8-b%8, remaining)
		m.clearBitsInByte(b/8, b%8, count)
		b += count
		remaining -= count
	}

	for remaining >= 8 {
		m.bits[b/8] = 0
		b += 8
		remaining -= 8
	}

	if remaining > 0 {
		m.clearBitsInByte(b/8, 0, remaining)
	}
	return nil
}

// Equal reports whether both maps have the same capacity and bits.
func (m *Map) Equal(other *Map) bool {
	if m.blockCapacity != other.blockCapacity {
		return false
	}
	for i := range m.bits {
		if m.bits[i] != other.bits[i] {
			return false
		}
	}
	return true
}

// String lists the mapped blocks, for debugging.
func (m *Map) String() string {
	var sb strings.Builder
	sb.WriteString("mapped blocks:")
	for b := uint32(0); b < m.blockCapacity; b++ {
		if m.IsMapped(b) {
			fmt.Fprintf(&sb, " %d", b)
		}
	}
	return sb.String()
}

func (m *Map) checkRange(start, n uint32) error {
	if start+n > m.blockCapacity || start+n < start {
		return fmt.Errorf("block range [%d, %d) exceeds capacity %d", start, start+n, m.blockCapacity)
	}
	return nil
}

func (m *Map) setBitsInByte(index, startPos, count uint32) {
	mask := uint8(((1 << count) - 1) << startPos)
	m.bits[index] |= mask
}

func (m *Map) clearBitsInByte(index, startPos, count uint32) {
	mask := uint8(((1 << count) - 1) << startPos)
	m.bits[index] &^= mask
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
