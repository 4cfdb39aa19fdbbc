package payloads

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

// Payload codecs for everything exchanged on the master <-> storage path
// besides block streams: block number lists, size reports and sync reports.
// All encodings are little-endian and packed.

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"
)

// ErrTruncated is returned when a payload ends mid-field.
var ErrTruncated = errors.New("payload truncated")

// EncodeBlockNums serializes block numbers as a bare concatenation of
// little-endian uint32s.
func EncodeBlockNums(blockNums []uint32) []byte {
	buf := make([]byte, 4*len(blockNums))
	for i, bn := range blockNums {
		binary.LittleEndian.PutUint32(buf[4*i:], bn)
	}
	return buf
}

// DecodeBlockNums reverses EncodeBlockNums.
func DecodeBlockNums(buf []byte) ([]uint32, error) {
	if len(buf)%4 != 0 {
		return nil, ErrTruncated
	}
	blockNums := make([]uint32, 0, len(buf)/4)
	for off := 0; off < len(buf); off += 4 {
		blockNums = append(blockNums, binary.LittleEndian.Uint32(buf[off:]))
	}
	return blockNums, nil
}

// SizeInfo reports a storage node's data section usage. It is the response
// payload of every storage PUT and DEL.
type SizeInfo struct {
	DataUsedSize  uint32
	DataTotalSize uint32
}

// Encode serializes the SizeInfo as 8 little-endian bytes.
func (s SizeInfo) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, s.DataUsedSize)
	binary.LittleEndian.PutUint32(buf[4:], s.DataTotalSize)
	return buf
}

// DecodeSizeInfo reverses SizeInfo.Encode.
func DecodeSizeInfo(buf []byte) (SizeInfo, error) {
	if len(buf) < 8 {
		return SizeInfo{}, ErrTruncated
	}
	return SizeInfo{
		DataUsedSize:  binary.LittleEndian.Uint32(buf),
		DataTotalSize: binary.LittleEndian.Uint32(buf[4:]),
	}, nil
}

// SyncInfo is the response payload of a storage /sync request: every key
// the node stores with its block numbers, plus a SizeInfo trailer. The
// master uses it to rebuild its placement map after a restart.
type SyncInfo struct {
	KeyBlockNums map[string][]uint32
	Size         SizeInfo
}

// EncodeSyncInfo serializes s. Keys are written fixed-width (keyLen bytes,
// null-padded) because that is how the storage engine holds them; they are
// emitted in sorted order so the encoding is deterministic.
//
// Per key: key[keyLen] | numBlocks:u32 | blockNum:u32 x numBlocks.
func EncodeSyncInfo(s SyncInfo, keyLen int) []byte {
	keys := make([]string, 0, len(s.KeyBlockNums))
	for k := range s.KeyBlockNums {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	var u32 [4]byte
	for _, k := range keys {
		fixed := make([]byte, keyLen)
		copy(fixed, k)
		buf = append(buf, fixed...)

		blockNums := s.KeyBlockNums[k]
		binary.LittleEndian.PutUint32(u32[:], uint32(len(blockNums)))
		buf = append(buf, u32[:]...)
		for _, bn := range blockNums {
			binary.LittleEndian.PutUint32(u32[:], bn)
			buf = append(buf, u32[:]...)
		}
	}
	return append(buf, s.Size.Encode()...)
}

// DecodeSyncInfo reverses EncodeSyncInfo. Fixed-width keys have their null
// padding trimmed.
func DecodeSyncInfo(buf []byte, keyLen int) (SyncInfo, error) {
	s := SyncInfo{KeyBlockNums: make(map[string][]uint32)}

	for len(buf) > 8 {
		if len(buf) < keyLen+4 {
			return SyncInfo{}, ErrTruncated
		}
		key := strings.TrimRight(string(buf[:keyLen]), "\x00")
		buf = buf[keyLen:]

		numBlocks := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]

		if uint32(len(buf)) < 4*numBlocks {
			return SyncInfo{}, ErrTruncated
		}
		blockNums := make([]uint32, numBlocks)
		for i := range blockNums {
			blockNums[i] = binary.LittleEndian.Uint32(buf[4*i:])
		}
		buf = buf[4*numBlocks:]

		s.KeyBlockNums[key] = blockNums
	}

	size, err := DecodeSizeInfo(buf)
	if err != nil {
		return SyncInfo{}, err
	}
	s.Size = size
	return s, nil
}
