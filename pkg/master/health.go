package master

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// runHealthChecker probes every storage node's /health endpoint each
// period until ctx is cancelled. A 200 marks the node healthy; a non-200
// or any transport error marks it unhealthy. Health is the only recovery
// mechanism: unhealthy nodes are excluded from placement and skipped on
// read until they answer again.
func (s *Server) runHealthChecker(ctx context.Context) {
	period := time.Duration(s.cfg.Master.HealthCheckPeriodMs) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		s.checkNodeHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkNodeHealth probes every node in parallel and folds the results
// back into the node descriptors.
func (s *Server) checkNodeHealth(ctx context.Context) {
	s.mu.Lock()
	targets := make(map[uint32]string, len(s.nodes))
	for id, sn := range s.nodes {
		targets[id] = sn.IPPort
	}
	s.mu.Unlock()

	results := make(map[uint32]bool, len(targets))
	var g errgroup.Group
	var mu sync.Mutex
	for id, ipPort := range targets {
		id, ipPort := id, ipPort
		g.Go(func() error {
			healthy := s.probe(ctx, ipPort)
			mu.Lock()
			results[id] = healthy
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	s.mu.Lock()
	for id, healthy := range results {
		if sn, ok := s.nodes[id]; ok {
			if sn.IsHealthy && !healthy {
				s.log.Warnf("storage node %d (%s) is down", id, sn.IPPort)
			}
			if !sn.IsHealthy && healthy {
				s.log.Printf("storage node %d (%s) is back", id, sn.IPPort)
			}
			sn.IsHealthy = healthy
		}
	}
	s.mu.Unlock()
}

func (s *Server) probe(ctx context.Context, ipPort string) bool {
	req, err := http.NewRequest(http.MethodGet, ipPort+"/health", nil)
	if err != nil {
		return false
	}
	req = req.WithContext(ctx)

	resp, err := s.healthClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
