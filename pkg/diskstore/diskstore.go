package diskstore

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rackkey/rackkey/pkg/block"
	"github.com/rackkey/rackkey/pkg/crypto"
	"github.com/rackkey/rackkey/pkg/freespace"
)

// Magic identifies a rackkey store file.
const Magic = 0xABABABAB

// headerSize is the packed on-disk size of Header.
const headerSize = 28

// Closed error set of the storage engine. Callers match with errors.Is.
var (
	ErrNotFound     = errors.New("no entry for key")
	ErrOutOfSpace   = errors.New("out of space")
	ErrKeyCollision = errors.New("distinct key with colliding hash already stored")
	ErrMalformed    = errors.New("malformed block data")
)

// Header sits at offset 0 of the store file. All fields are fixed at
// file-creation time; reopening a store derives its geometry from the
// header alone.
type Header struct {
	Magic            uint32
	BATOffset        uint32
	BATSize          uint32
	DiskBlockSize    uint32
	DataBlockSize    uint32
	MaxDataSize      uint32
	BlockStoreOffset uint32
}

// Equal compares all header fields.
func (h Header) Equal(other Header) bool {
	return h == other
}

func (h Header) String() string {
	return fmt.Sprintf("header{bat=%d batSize=%d diskBlock=%d dataBlock=%d max=%d store=%d}",
		h.BATOffset, h.BATSize, h.DiskBlockSize, h.DataBlockSize, h.MaxDataSize, h.BlockStoreOffset)
}

func (h Header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.BATOffset)
	binary.LittleEndian.PutUint32(buf[8:], h.BATSize)
	binary.LittleEndian.PutUint32(buf[12:], h.DiskBlockSize)
	binary.LittleEndian.PutUint32(buf[16:], h.DataBlockSize)
	binary.LittleEndian.PutUint32(buf[20:], h.MaxDataSize)
	binary.LittleEndian.PutUint32(buf[24:], h.BlockStoreOffset)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:            binary.LittleEndian.Uint32(buf[0:]),
		BATOffset:        binary.LittleEndian.Uint32(buf[4:]),
		BATSize:          binary.LittleEndian.Uint32(buf[8:]),
		DiskBlockSize:    binary.LittleEndian.Uint32(buf[12:]),
		DataBlockSize:    binary.LittleEndian.Uint32(buf[16:]),
		MaxDataSize:      binary.LittleEndian.Uint32(buf[20:]),
		BlockStoreOffset: binary.LittleEndian.Uint32(buf[24:]),
	}
}

// batEntry is one row of the block allocation table. The full key is kept
// (fixed-width, null-padded) so that 32-bit hash collisions between
// distinct keys can be detected rather than silently merged.
type batEntry struct {
	key       []byte // keyLenMax bytes, null-padded
	keyHash   uint32
	startDisk uint32
	numBytes  uint32
}

// Options configures Open.
type Options struct {
	Dir            string
	FileName       string
	DiskBlockSize  uint32
	DataBlockSize  uint32
	MaxDataSize    uint32
	KeyLenMax      uint32
	RemoveExisting bool
}

// Store is the single-file storage engine of a storage node: a fixed
// header, a block allocation table and a pre-allocated data section
// addressed in diskBlockSize units. The file descriptor is pinned for the
// Store's lifetime; mutating operations are serialized behind a writer
// lock while readers may proceed concurrently.
type Store struct {
	mu sync.RWMutex

	f    *os.File
	path string

	header    Header
	keyLenMax uint32
	entries   []batEntry
	fsm       *freespace.Map
}

// Open creates or reloads a store file at dir/fileName. With
// RemoveExisting, the store directory is wiped first. An existing file is
// reloaded (the header supplies the geometry and the free space map is
// rebuilt from the BAT); otherwise a new file is created and grown to its
// full size up front.
func Open(opts Options) (*Store, error) {
	if opts.RemoveExisting {
		if err := os.RemoveAll(opts.Dir); err != nil {
			return nil, fmt.Errorf("failed to wipe store dir: %w", err)
		}
	}
	if err := os.MkdirAll(opts.Dir, 0777); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	s := &Store{
		path:      filepath.Join(opts.Dir, opts.FileName),
		keyLenMax: opts.KeyLenMax,
	}

	_, err := os.Stat(s.path)
	switch {
	case err == nil:
		if err = s.reload(); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		if err = s.create(opts); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return s, nil
}

// Close releases the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Header returns a copy of the on-disk header.
func (s *Store) Header() Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

func (s *Store) entrySize() uint32 {
	return s.keyLenMax + 12
}

func (s *Store) numDiskBlocks() uint32 {
	return divide(s.header.MaxDataSize, s.header.DiskBlockSize)
}

func (s *Store) create(opts Options) error {
	numDiskBlocks := divide(opts.MaxDataSize, opts.DiskBlockSize)
	batSize := 4 + numDiskBlocks*s.entrySize()

	s.header = Header{
		Magic:            Magic,
		BATOffset:        headerSize,
		BATSize:          batSize,
		DiskBlockSize:    opts.DiskBlockSize,
		DataBlockSize:    opts.DataBlockSize,
		MaxDataSize:      opts.MaxDataSize,
		BlockStoreOffset: headerSize + batSize,
	}
	s.fsm = freespace.New(numDiskBlocks)

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return fmt.Errorf("failed to create store file: %w", err)
	}
	s.f = f

	// grow to final size up front; the BAT region reads back as zeroes
	size := int64(headerSize) + int64(batSize) + int64(opts.MaxDataSize)
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to grow store file: %w", err)
	}
	if _, err := f.WriteAt(s.header.encode(), 0); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return f.Sync()
}

func (s *Store) reload() error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("failed to open store file: %w", err)
	}
	s.f = f

	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	s.header = decodeHeader(buf)

	if s.header.Magic != Magic {
		return fmt.Errorf("bad magic number %#x in %s", s.header.Magic, s.path)
	}

	numDiskBlocks := s.numDiskBlocks()
	if s.header.BATSize != 4+numDiskBlocks*s.entrySize() {
		return fmt.Errorf("store file %s was created with a different key length", s.path)
	}

	if err := s.readBAT(); err != nil {
		return err
	}

	// rebuild the free space map from the BAT
	s.fsm = freespace.New(numDiskBlocks)
	for _, e := range s.entries {
		n := divide(e.numBytes, s.header.DiskBlockSize)
		if err := s.fsm.AllocateNBlocks(e.startDisk, n); err != nil {
			return fmt.Errorf("BAT entry overruns data section: %w", err)
		}
	}
	return nil
}

func (s *Store) readBAT() error {
	var u32 [4]byte
	if _, err := s.f.ReadAt(u32[:], int64(s.header.BATOffset)); err != nil {
		return fmt.Errorf("failed to read BAT size: %w", err)
	}
	numEntries := binary.LittleEndian.Uint32(u32[:])

	if numEntries > s.numDiskBlocks() {
		return fmt.Errorf("BAT claims %d entries for %d disk blocks", numEntries, s.numDiskBlocks())
	}

	buf := make([]byte, numEntries*s.entrySize())
	if _, err := s.f.ReadAt(buf, int64(s.header.BATOffset)+4); err != nil {
		return fmt.Errorf("failed to read BAT: %w", err)
	}

	s.entries = make([]batEntry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		rec := buf[i*s.entrySize():]
		key := make([]byte, s.keyLenMax)
		copy(key, rec[:s.keyLenMax])
		s.entries = append(s.entries, batEntry{
			key:       key,
			keyHash:   binary.LittleEndian.Uint32(rec[s.keyLenMax:]),
			startDisk: binary.LittleEndian.Uint32(rec[s.keyLenMax+4:]),
			numBytes:  binary.LittleEndian.Uint32(rec[s.keyLenMax+8:]),
		})
	}
	return nil
}

func (s *Store) writeBAT() error {
	buf := make([]byte, 4+uint32(len(s.entries))*s.entrySize())
	binary.LittleEndian.PutUint32(buf, uint32(len(s.entries)))
	for i, e := range s.entries {
		rec := buf[4+uint32(i)*s.entrySize():]
		copy(rec[:s.keyLenMax], e.key)
		binary.LittleEndian.PutUint32(rec[s.keyLenMax:], e.keyHash)
		binary.LittleEndian.PutUint32(rec[s.keyLenMax+4:], e.startDisk)
		binary.LittleEndian.PutUint32(rec[s.keyLenMax+8:], e.numBytes)
	}
	if _, err := s.f.WriteAt(buf, int64(s.header.BATOffset)); err != nil {
		return fmt.Errorf("failed to write BAT: %w", err)
	}
	return s.f.Sync()
}

// fixedKey pads key to keyLenMax bytes with nulls.
func (s *Store) fixedKey(key string) ([]byte, error) {
	if uint32(len(key)) > s.keyLenMax {
		return nil, fmt.Errorf("key %q exceeds maximum length %d", key, s.keyLenMax)
	}
	fixed := make([]byte, s.keyLenMax)
	copy(fixed, key)
	return fixed, nil
}

func trimKey(fixed []byte) string {
	return strings.TrimRight(string(fixed), "\x00")
}

// findEntry locates the BAT entry for key. A hash match against a
// different stored key is a collision, reported as such rather than
// treated as the same key.
func (s *Store) findEntry(key string) (int, error) {
	fixed, err := s.fixedKey(key)
	if err != nil {
		return 0, err
	}
	hash := crypto.Hash32(key)
	for i := range s.entries {
		if s.entries[i].keyHash != hash {
			continue
		}
		if string(s.entries[i].key) != string(fixed) {
			return 0, fmt.Errorf("%w: %q vs %q", ErrKeyCollision, trimKey(s.entries[i].key), key)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrNotFound, key)
}

func (s *Store) diskBlockOffset(diskBlockNum uint32) int64 {
	return int64(s.header.BlockStoreOffset) + int64(diskBlockNum)*int64(s.header.DiskBlockSize)
}

// WriteBlocks stores blocks as key's contiguous run, replacing any
// existing run for the key. Blocks must be non-empty, in ascending block
// number order, and all but the last must carry exactly dataBlockSize
// bytes (the on-disk format omits per-block sizes and derives them from
// the run length).
//
// The operation is failure-atomic with respect to allocation state: when
// an overwrite cannot complete (no space, write error), the key's original
// run and BAT entry are reinstated.
func (s *Store) WriteBlocks(key string, blocks []block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// keys may arrive null-padded to the fixed on-disk width
	key = strings.TrimRight(key, "\x00")

	if len(blocks) == 0 {
		return fmt.Errorf("%w: empty block list", ErrMalformed)
	}

	var numTotalBytes uint32
	for i := range blocks {
		if i > 0 && blocks[i].Num <= blocks[i-1].Num {
			return fmt.Errorf("%w: block numbers not ascending", ErrMalformed)
		}
		size := blocks[i].DataSize()
		if size > s.header.DataBlockSize || size == 0 {
			return fmt.Errorf("%w: block %d has size %d", ErrMalformed, blocks[i].Num, size)
		}
		if i < len(blocks)-1 && size != s.header.DataBlockSize {
			return fmt.Errorf("%w: non-final block %d is short", ErrMalformed, blocks[i].Num)
		}
		numTotalBytes += 4 + size
	}

	n := divide(numTotalBytes, s.header.DiskBlockSize)

	// Release the key's existing run before searching so that an
	// overwrite of the same size can reuse the same blocks.
	entryIdx, err := s.findEntry(key)
	hasOld := err == nil
	var oldStart, oldN, oldNumBytes uint32
	switch {
	case hasOld:
		oldStart = s.entries[entryIdx].startDisk
		oldNumBytes = s.entries[entryIdx].numBytes
		oldN = divide(oldNumBytes, s.header.DiskBlockSize)
		if err := s.fsm.FreeNBlocks(oldStart, oldN); err != nil {
			return err
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	restoreOld := func() {
		if hasOld {
			s.fsm.AllocateNBlocks(oldStart, oldN)
		}
	}

	start, ok := s.fsm.FindNFreeBlocks(n)
	if !ok {
		restoreOld()
		return fmt.Errorf("%w: no run of %d free blocks", ErrOutOfSpace, n)
	}

	// one contiguous buffer: blockNum prefix then data, per block
	buf := make([]byte, 0, numTotalBytes)
	var u32 [4]byte
	for i := range blocks {
		binary.LittleEndian.PutUint32(u32[:], blocks[i].Num)
		buf = append(buf, u32[:]...)
		buf = append(buf, blocks[i].Data...)
	}

	if _, err := s.f.WriteAt(buf, s.diskBlockOffset(start)); err != nil {
		restoreOld()
		return fmt.Errorf("failed to write blocks: %w", err)
	}

	if err := s.fsm.AllocateNBlocks(start, n); err != nil {
		restoreOld()
		return err
	}

	if hasOld {
		s.entries[entryIdx].startDisk = start
		s.entries[entryIdx].numBytes = numTotalBytes
	} else {
		fixed, err := s.fixedKey(key)
		if err != nil {
			return err
		}
		s.entries = append(s.entries, batEntry{
			key:       fixed,
			keyHash:   crypto.Hash32(key),
			startDisk: start,
			numBytes:  numTotalBytes,
		})
	}

	return s.writeBAT()
}

// ReadBlocks returns key's stored blocks. With a non-empty blockNums set,
// only the requested blocks are returned, and it is an error for any of
// them to be missing; with an empty set all blocks are returned.
func (s *Store) ReadBlocks(key string, blockNums []uint32) ([]block.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key = strings.TrimRight(key, "\x00")

	entryIdx, err := s.findEntry(key)
	if err != nil {
		return nil, err
	}
	e := s.entries[entryIdx]

	buf := make([]byte, e.numBytes)
	if _, err := s.f.ReadAt(buf, s.diskBlockOffset(e.startDisk)); err != nil {
		return nil, fmt.Errorf("failed to read blocks: %w", err)
	}

	requested := make(map[uint32]bool, len(blockNums))
	for _, bn := range blockNums {
		requested[bn] = true
	}

	// Blocks on disk carry a blockNum prefix but no size: every block is
	// exactly dataBlockSize except the last, whose size is the remainder
	// of the run.
	var blocks []block.Block
	off := uint32(0)
	for off < e.numBytes {
		if e.numBytes-off < 4 {
			return nil, fmt.Errorf("%w: dangling block prefix", ErrMalformed)
		}
		num := binary.LittleEndian.Uint32(buf[off:])
		off += 4

		dataLen := s.header.DataBlockSize
		if remaining := e.numBytes - off; remaining < dataLen {
			dataLen = remaining
		}

		if len(requested) == 0 || requested[num] {
			data := make([]byte, dataLen)
			copy(data, buf[off:off+dataLen])
			blocks = append(blocks, block.Block{Key: key, Num: num, Data: data})
		}
		off += dataLen
	}

	if len(requested) != 0 && len(blocks) != len(requested) {
		return nil, fmt.Errorf("%w: %d of %d requested blocks present", ErrMalformed, len(blocks), len(requested))
	}
	return blocks, nil
}

// DeleteBlocks frees key's run and removes its BAT entry. The data bytes
// are not zeroed; they simply become overwritable.
func (s *Store) DeleteBlocks(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.TrimRight(key, "\x00")

	entryIdx, err := s.findEntry(key)
	if err != nil {
		return err
	}
	e := s.entries[entryIdx]

	if err := s.fsm.FreeNBlocks(e.startDisk, divide(e.numBytes, s.header.DiskBlockSize)); err != nil {
		return err
	}
	s.entries = append(s.entries[:entryIdx], s.entries[entryIdx+1:]...)
	return s.writeBAT()
}

// Keys returns every stored key, null padding trimmed.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for i := range s.entries {
		keys = append(keys, trimKey(s.entries[i].key))
	}
	return keys
}

// BlockNums returns the block numbers stored for key. The count is
// derived from the run length: each logical block contributes its data
// plus a 4-byte prefix.
func (s *Store) BlockNums(key string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key = strings.TrimRight(key, "\x00")

	entryIdx, err := s.findEntry(key)
	if err != nil {
		return nil, err
	}

	count := divide(s.entries[entryIdx].numBytes, s.header.DataBlockSize+4)
	blockNums := make([]uint32, count)
	for i := range blockNums {
		blockNums[i] = uint32(i)
	}
	return blockNums, nil
}

// DataUsedSize returns the bytes of the data section claimed by BAT
// entries, counted in whole disk blocks.
func (s *Store) DataUsedSize() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var used uint32
	for i := range s.entries {
		used += divide(s.entries[i].numBytes, s.header.DiskBlockSize) * s.header.DiskBlockSize
	}
	return used
}

// DataTotalSize returns the capacity of the data section in bytes.
func (s *Store) DataTotalSize() uint32 {
	return s.header.MaxDataSize
}

// TotalFileSize returns the size of the store file.
func (s *Store) TotalFileSize() uint32 {
	return headerSize + s.header.BATSize + s.header.MaxDataSize
}

// NumEntries returns the number of BAT entries.
func (s *Store) NumEntries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IsMapped reports whether the given disk block is allocated.
func (s *Store) IsMapped(diskBlockNum uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fsm.IsMapped(diskBlockNum)
}

func divide(a, b uint32) uint32 {
	return (a + b - 1) / b
}
