package master

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rackkey/rackkey/pkg/block"
	"github.com/rackkey/rackkey/pkg/payloads"
)

// ErrNoHealthyReplica is returned on read when every node holding a block
// is down.
var ErrNoHealthyReplica = errors.New("no healthy node holds a replica")

// handlePut serves PUT /store/{key}: split the payload into blocks, place
// each block on R distinct healthy nodes, fan the per-node block lists out
// in parallel, and commit the new placement to the KBN only once every
// node has acknowledged. Any node failure fails the whole request.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	s.log.Printf("PUT req received: %s", key)

	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return
	}

	// split into data blocks; the last one may be short
	dataBlockSize := int(s.cfg.Master.DataBlockSize)
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

	replicas := s.cfg.Master.ReplicationFactor
	if n := s.cfg.Master.NumStorageNodes(); replicas > n {
		replicas = n
	}

	// place every block while holding the lock, so one placement pass
	// sees one consistent health snapshot
	s.mu.Lock()
	nodeBlocks := make(map[uint32][]block.Block)
	newPlacement := make(blockNodeMap, len(blocks))
	for i := range blocks {
		ids, err := s.ring.PlaceBlock(key, blocks[i].Num, replicas, s.isHealthy)
		if err != nil {
			s.mu.Unlock()
			s.log.Errorf("PUT: failed - %v", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		for _, id := range ids {
			nodeBlocks[id] = append(nodeBlocks[id], blocks[i])
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		newPlacement[blocks[i].Num] = ids
	}
	putIDs := make([]uint32, 0, len(nodeBlocks))
	for id := range nodeBlocks {
		putIDs = append(putIDs, id)
	}
	targets := s.snapshotTargets(putIDs)
	s.mu.Unlock()

	// fan out one PUT per node
	var g errgroup.Group
	var sizeMu sync.Mutex
	sizes := make(map[uint32]payloads.SizeInfo, len(nodeBlocks))
	for nodeID, nodeBlockList := range nodeBlocks {
		nodeID, nodeBlockList := nodeID, nodeBlockList
		g.Go(func() error {
			si, err := s.sendBlocks(r, targets[nodeID], key, nodeBlockList)
			if err != nil {
				return err
			}
			sizeMu.Lock()
			sizes[nodeID] = si
			sizeMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.log.Errorf("PUT: failed - %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// single linearization point for the key's placement
	s.mu.Lock()
	if old, existed := s.kbn[key]; existed {
		for _, ids := range old {
			for _, id := range ids {
				if sn, ok := s.nodes[id]; ok && sn.Stats.BlocksStored > 0 {
					sn.Stats.BlocksStored--
				}
			}
		}
	}
	s.kbn[key] = newPlacement
	for nodeID, nodeBlockList := range nodeBlocks {
		if sn, ok := s.nodes[nodeID]; ok {
			sn.Stats.BlocksStored += uint32(len(nodeBlockList))
			sn.applySizeInfo(sizes[nodeID])
		}
	}
	s.mu.Unlock()

	s.logBlockDistribution(key, newPlacement)
	s.log.Printf("PUT: successful")
	w.WriteHeader(http.StatusOK)
}

// sendBlocks PUTs a node's serialized block list and decodes its SizeInfo
// reply.
func (s *Server) sendBlocks(r *http.Request, ipPort, key string, blocks []block.Block) (payloads.SizeInfo, error) {
	req, err := http.NewRequest(http.MethodPut, storeURL(ipPort, key), bytes.NewReader(block.Encode(blocks)))
	if err != nil {
		return payloads.SizeInfo{}, err
	}
	req = req.WithContext(r.Context())

	resp, err := s.client.Do(req)
	if err != nil {
		return payloads.SizeInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return payloads.SizeInfo{}, fmt.Errorf("sendBlocks to %s failed with status %d", ipPort, resp.StatusCode)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return payloads.SizeInfo{}, err
	}
	return payloads.DecodeSizeInfo(body)
}

// handleGet serves GET /store/{key}: for every block pick the first
// healthy replica (ascending node id, so the choice is deterministic),
// fan the per-node block number lists out, and reassemble the payload in
// block number order.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	s.log.Printf("GET req received: %s", key)

	s.mu.Lock()
	placement, ok := s.kbn[key]
	if !ok {
		s.mu.Unlock()
		s.log.Errorf("GET: failed - key doesn't exist")
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	expected := len(placement)
	nodeBlockNums := make(map[uint32][]uint32)
	for blockNum, ids := range placement {
		chosen := false
		for _, id := range ids {
			if s.isHealthy(id) {
				nodeBlockNums[id] = append(nodeBlockNums[id], blockNum)
				chosen = true
				break
			}
		}
		if !chosen {
			s.mu.Unlock()
			s.log.Errorf("GET: failed - %v for block %d", ErrNoHealthyReplica, blockNum)
			http.Error(w, ErrNoHealthyReplica.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	getIDs := make([]uint32, 0, len(nodeBlockNums))
	for id := range nodeBlockNums {
		getIDs = append(getIDs, id)
	}
	targets := s.snapshotTargets(getIDs)
	s.mu.Unlock()

	var g errgroup.Group
	var blockMu sync.Mutex
	blockMap := make(map[uint32]block.Block, expected)
	for nodeID, blockNums := range nodeBlockNums {
		nodeID, blockNums := nodeID, blockNums
		g.Go(func() error {
			blocks, err := s.getBlocks(r, targets[nodeID], key, blockNums)
			if err != nil {
				return err
			}
			blockMu.Lock()
			for i := range blocks {
				blockMap[blocks[i].Num] = blocks[i]
			}
			blockMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.log.Errorf("GET: failed - %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(blockMap) != expected {
		s.log.Errorf("GET: failed - got %d of %d blocks", len(blockMap), expected)
		http.Error(w, "incomplete read", http.StatusInternalServerError)
		return
	}

	// recombine in ascending block number order
	nums := make([]uint32, 0, len(blockMap))
	for num := range blockMap {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var payload []byte
	for _, num := range nums {
		payload = append(payload, blockMap[num].Data...)
	}

	s.log.Printf("GET: successful")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// getBlocks fetches the given blocks of key from one node.
func (s *Server) getBlocks(r *http.Request, ipPort, key string, blockNums []uint32) ([]block.Block, error) {
	req, err := http.NewRequest(http.MethodGet, storeURL(ipPort, key), bytes.NewReader(payloads.EncodeBlockNums(blockNums)))
	if err != nil {
		return nil, err
	}
	req = req.WithContext(r.Context())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getBlocks from %s failed with status %d", ipPort, resp.StatusCode)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return block.Decode(body)
}

// handleDelete serves DELETE /store/{key}: every node holding at least one
// of the key's blocks gets a DELETE, and the key leaves the KBN once all
// of them succeed.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	s.log.Printf("DEL req received: %s", key)

	s.mu.Lock()
	placement, ok := s.kbn[key]
	if !ok {
		s.mu.Unlock()
		s.log.Errorf("DEL: failed - key doesn't exist")
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	// union of node ids across all the key's blocks, with per-node
	// replica counts for the stats rollback
	blockCounts := make(map[uint32]uint32)
	for _, ids := range placement {
		for _, id := range ids {
			blockCounts[id]++
		}
	}
	delIDs := make([]uint32, 0, len(blockCounts))
	for id := range blockCounts {
		delIDs = append(delIDs, id)
	}
	targets := s.snapshotTargets(delIDs)
	s.mu.Unlock()

	var g errgroup.Group
	var sizeMu sync.Mutex
	sizes := make(map[uint32]payloads.SizeInfo, len(blockCounts))
	for nodeID := range blockCounts {
		nodeID := nodeID
		g.Go(func() error {
			si, err := s.deleteBlocks(r, targets[nodeID], key)
			if err != nil {
				return err
			}
			sizeMu.Lock()
			sizes[nodeID] = si
			sizeMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.log.Errorf("DEL: failed - %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	delete(s.kbn, key)
	for nodeID, count := range blockCounts {
		if sn, ok := s.nodes[nodeID]; ok {
			if sn.Stats.BlocksStored >= count {
				sn.Stats.BlocksStored -= count
			} else {
				sn.Stats.BlocksStored = 0
			}
			sn.applySizeInfo(sizes[nodeID])
		}
	}
	s.mu.Unlock()

	s.log.Printf("DEL: successful")
	w.WriteHeader(http.StatusOK)
}

// deleteBlocks DELETEs a key from one node and decodes its SizeInfo reply.
func (s *Server) deleteBlocks(r *http.Request, ipPort, key string) (payloads.SizeInfo, error) {
	req, err := http.NewRequest(http.MethodDelete, storeURL(ipPort, key), nil)
	if err != nil {
		return payloads.SizeInfo{}, err
	}
	req = req.WithContext(r.Context())

	resp, err := s.client.Do(req)
	if err != nil {
		return payloads.SizeInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return payloads.SizeInfo{}, fmt.Errorf("deleteBlocks on %s failed with status %d", ipPort, resp.StatusCode)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return payloads.SizeInfo{}, err
	}
	return payloads.DecodeSizeInfo(body)
}

// snapshotTargets copies node id -> ipPort for a fan-out, so network
// calls happen without holding s.mu. Callers must hold s.mu.
func (s *Server) snapshotTargets(ids []uint32) map[uint32]string {
	targets := make(map[uint32]string, len(ids))
	for _, id := range ids {
		if sn, ok := s.nodes[id]; ok {
			targets[id] = sn.IPPort
		}
	}
	return targets
}

// logBlockDistribution reports how a key's replicas landed across the
// fleet, at debug level.
func (s *Server) logBlockDistribution(key string, placement blockNodeMap) {
	if !s.log.IsDebugEnabled() {
		return
	}

	counts := make(map[uint32]uint32)
	var total uint32
	for _, ids := range placement {
		for _, id := range ids {
			counts[id]++
			total++
		}
	}

	s.log.Debugf("key %q: %d unique blocks, %d including replicas", key, len(placement), total)
	for _, id := range sortedCountKeys(counts) {
		s.log.Debugf("  node %d: %d blocks", id, counts[id])
	}
}

func sortedCountKeys(counts map[uint32]uint32) []uint32 {
	ids := make([]uint32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
