package master

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rackkey/rackkey/pkg/payloads"
)

// SyncWithStorageNodes rebuilds the KBN from the fleet's /sync reports.
// It runs at master startup so a restarted master recovers the placement
// of everything already stored. Nodes that cannot be reached are skipped;
// Run calls this only once, so their keys stay unknown to the master until
// the keys are rewritten.
func (s *Server) SyncWithStorageNodes(ctx context.Context) error {
	s.mu.Lock()
	targets := make(map[uint32]string, len(s.nodes))
	for id, sn := range s.nodes {
		targets[id] = sn.IPPort
	}
	s.mu.Unlock()

	type report struct {
		nodeID uint32
		info   payloads.SyncInfo
	}

	var g errgroup.Group
	var mu sync.Mutex
	var reports []report
	var firstErr error

	for id, ipPort := range targets {
		id, ipPort := id, ipPort
		g.Go(func() error {
			info, err := s.fetchSyncInfo(ctx, ipPort)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("sync with node %d (%s): %w", id, ipPort, err)
				}
				return nil
			}
			reports = append(reports, report{nodeID: id, info: info})
			return nil
		})
	}
	g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rep := range reports {
		sn, ok := s.nodes[rep.nodeID]
		if !ok {
			continue
		}

		var blocksStored uint32
		for key, blockNums := range rep.info.KeyBlockNums {
			placement, ok := s.kbn[key]
			if !ok {
				placement = make(blockNodeMap)
				s.kbn[key] = placement
			}
			for _, bn := range blockNums {
				placement[bn] = insertSortedID(placement[bn], rep.nodeID)
			}
			blocksStored += uint32(len(blockNums))
		}

		sn.Stats.BlocksStored = blocksStored
		sn.applySizeInfo(rep.info.Size)
	}

	return firstErr
}

func (s *Server) fetchSyncInfo(ctx context.Context, ipPort string) (payloads.SyncInfo, error) {
	req, err := http.NewRequest(http.MethodGet, ipPort+"/sync", nil)
	if err != nil {
		return payloads.SyncInfo{}, err
	}
	req = req.WithContext(ctx)

	resp, err := s.client.Do(req)
	if err != nil {
		return payloads.SyncInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return payloads.SyncInfo{}, fmt.Errorf("sync failed with status %d", resp.StatusCode)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return payloads.SyncInfo{}, err
	}
	return payloads.DecodeSyncInfo(body, int(s.cfg.Storage.KeyLengthMax))
}

// insertSortedID inserts id into the ascending slice if absent.
func insertSortedID(ids []uint32, id uint32) []uint32 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
