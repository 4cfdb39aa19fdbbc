package master

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"github.com/rackkey/rackkey/pkg/hashring"
	"github.com/rackkey/rackkey/pkg/payloads"
)

// NodeStats tracks what the master knows about a storage node's usage.
// Sizes come back as SizeInfo payloads on every PUT and DEL; block counts
// are maintained by the master's own bookkeeping.
type NodeStats struct {
	BlocksStored   uint32
	DataBytesUsed  uint32
	DataBytesFree  uint32
	DataBytesTotal uint32
}

// StorageNode is the master-side descriptor of one physical storage node.
type StorageNode struct {
	ID        uint32
	IPPort    string
	IsHealthy bool
	Stats     NodeStats

	// VirtualNodes is kept so that removing the node later knows which
	// ring positions to clear.
	VirtualNodes []hashring.VirtualNode
}

// applySizeInfo folds a node's size report into its stats.
func (sn *StorageNode) applySizeInfo(si payloads.SizeInfo) {
	sn.Stats.DataBytesUsed = si.DataUsedSize
	sn.Stats.DataBytesTotal = si.DataTotalSize
	sn.Stats.DataBytesFree = si.DataTotalSize - si.DataUsedSize
}

// newStorageNode allocates the descriptor and derives its virtual nodes.
// Nodes start healthy; the health checker corrects that within one period.
func newStorageNode(id uint32, ipPort string, numVirtualNodes int) *StorageNode {
	sn := &StorageNode{
		ID:        id,
		IPPort:    ipPort,
		IsHealthy: true,
	}
	for i := 0; i < numVirtualNodes; i++ {
		sn.VirtualNodes = append(sn.VirtualNodes, hashring.NewVirtualNode(ipPort, id, i))
	}
	return sn
}
