package hashring

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/rackkey/rackkey/pkg/crypto"
)

// ErrInsufficientReplicas is returned when a block cannot be placed on the
// requested number of distinct healthy physical nodes.
var ErrInsufficientReplicas = errors.New("fewer healthy nodes than replication factor")

// VirtualNode is one of a physical node's positions on the ring. Its id
// ("ip:port:i") is the hash input that determines the position.
type VirtualNode struct {
	ID             string
	PhysicalNodeID uint32
}

// NewVirtualNode derives the i'th virtual node of a physical node.
func NewVirtualNode(ipPort string, physicalNodeID uint32, i int) VirtualNode {
	return VirtualNode{
		ID:             ipPort + ":" + strconv.Itoa(i),
		PhysicalNodeID: physicalNodeID,
	}
}

// Hash returns the virtual node's ring position.
func (vn VirtualNode) Hash() uint32 {
	return crypto.Hash32(vn.ID)
}

func (vn VirtualNode) String() string {
	return vn.ID
}

// Ring is a consistent hash ring: an ordered mapping from 32-bit positions
// to virtual nodes. At most one virtual node occupies a position; adding
// to an occupied position overwrites.
type Ring struct {
	positions []uint32 // sorted
	nodes     map[uint32]VirtualNode
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{nodes: make(map[uint32]VirtualNode)}
}

// Add places vn on the ring.
func (r *Ring) Add(vn VirtualNode) {
	pos := vn.Hash()
	if _, exists := r.nodes[pos]; !exists {
		i := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= pos })
		r.positions = append(r.positions, 0)
		copy(r.positions[i+1:], r.positions[i:])
		r.positions[i] = pos
	}
	r.nodes[pos] = vn
}

// Remove erases vn's position from the ring.
func (r *Ring) Remove(vn VirtualNode) {
	pos := vn.Hash()
	if _, exists := r.nodes[pos]; !exists {
		return
	}
	delete(r.nodes, pos)
	i := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= pos })
	r.positions = append(r.positions[:i], r.positions[i+1:]...)
}

// NodeCount returns the number of virtual nodes on the ring.
func (r *Ring) NodeCount() int {
	return len(r.positions)
}

// NextNode returns the virtual node at the smallest position strictly
// greater than hash, wrapping to the first position when none is greater.
func (r *Ring) NextNode(hash uint32) (VirtualNode, bool) {
	if len(r.positions) == 0 {
		return VirtualNode{}, false
	}
	i := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] > hash })
	if i == len(r.positions) {
		i = 0
	}
	return r.nodes[r.positions[i]], true
}

// PlaceBlock selects replicas distinct healthy physical nodes for one
// block of a key, walking forward on the ring from the block's hash
// position. The walk fails fast when fewer healthy physical nodes exist,
// rather than scanning forever.
func (r *Ring) PlaceBlock(key string, blockNum uint32, replicas int, healthy func(physicalNodeID uint32) bool) ([]uint32, error) {
	if r.NodeCount() == 0 {
		return nil, fmt.Errorf("%w: ring is empty", ErrInsufficientReplicas)
	}

	hash := crypto.Hash32(key + strconv.FormatUint(uint64(blockNum), 10))

	used := make(map[uint32]bool, replicas)
	selected := make([]uint32, 0, replicas)

	// Any full lap of the ring visits every physical node, so bound the
	// walk at one lap per replica.
	maxSteps := r.NodeCount() * replicas
	for steps := 0; len(selected) < replicas; steps++ {
		if steps >= maxSteps {
			return nil, fmt.Errorf("%w: placed %d of %d", ErrInsufficientReplicas, len(selected), replicas)
		}

		vn, ok := r.NextNode(hash)
		if !ok {
			return nil, fmt.Errorf("%w: ring is empty", ErrInsufficientReplicas)
		}

		if !used[vn.PhysicalNodeID] && healthy(vn.PhysicalNodeID) {
			used[vn.PhysicalNodeID] = true
			selected = append(selected, vn.PhysicalNodeID)
		}

		// advance past vn to continue scanning
		hash = vn.Hash()
	}

	return selected, nil
}
