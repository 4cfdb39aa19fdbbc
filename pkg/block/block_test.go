package block

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanhpk/randstr"
)

func makeBlocks(key string, blockSize, numBytes int) []Block {
	var blocks []Block
	data := []byte(randstr.String(numBytes))
	num := uint32(0)
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, Block{Key: key, Num: num, Data: data[off:end]})
		num++
	}
	return blocks
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	blocks := makeBlocks("archive.zip", 40, 90)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint32(40), blocks[0].DataSize())
	assert.Equal(t, uint32(10), blocks[2].DataSize())

	out, err := Decode(Encode(blocks))
	require.NoError(t, err)
	require.Len(t, out, len(blocks))
	for i := range blocks {
		assert.True(t, blocks[i].Equal(&out[i]), "block %d differs", i)
	}
}

func TestDecodeEmpty(t *testing.T) {
	out, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecodeTruncated(t *testing.T) {
	buf := Encode(makeBlocks("k", 16, 64))

	for _, cut := range []int{1, 3, 5, len(buf) - 1} {
		_, err := Decode(buf[:cut])
		assert.Error(t, err, "cut at %d should fail", cut)
	}
}

func TestSingleByteBlock(t *testing.T) {
	blocks := []Block{{Key: "k", Num: 7, Data: []byte{0xAB}}}
	out, err := Decode(Encode(blocks))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(7), out[0].Num)
	assert.Equal(t, []byte{0xAB}, out[0].Data)
}
