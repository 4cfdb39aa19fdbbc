package master

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rackkey/rackkey/pkg/elog"
	"github.com/rackkey/rackkey/pkg/hashring"
	"github.com/rackkey/rackkey/pkg/rkconfig"
)

// blockNodeMap maps each of a key's block numbers to the sorted set of
// storage node ids holding a replica.
type blockNodeMap map[uint32][]uint32

// Server is the cluster master: it owns the hash ring, the
// key->block->node placement map (the KBN), node health, and the
// client-facing HTTP API.
type Server struct {
	log elog.Logger
	cfg rkconfig.Config

	// client is shared across all store and sync calls to storage nodes;
	// net/http pools connections per host underneath it. Health probes
	// use healthClient, which has a shorter timeout.
	client       *http.Client
	healthClient *http.Client

	mu    sync.Mutex
	ring  *hashring.Ring
	nodes map[uint32]*StorageNode
	kbn   map[string]blockNodeMap
}

// NewServer wires up the ring and node descriptors from configuration.
// Storage node ids are allocated in the order they appear in the config.
func NewServer(cfg rkconfig.Config, log elog.Logger) *Server {
	s := &Server{
		log:          log,
		cfg:          cfg,
		client:       &http.Client{Timeout: 60 * time.Second},
		healthClient: &http.Client{Timeout: 3 * time.Second},
		ring:         hashring.New(),
		nodes:        make(map[uint32]*StorageNode),
		kbn:          make(map[string]blockNodeMap),
	}

	var nextID uint32
	for _, ipPort := range cfg.Master.StorageNodeIPs {
		sn := newStorageNode(nextID, ipPort, cfg.Master.NumVirtualNodes)
		nextID++
		s.nodes[sn.ID] = sn
		for _, vn := range sn.VirtualNodes {
			s.ring.Add(vn)
		}
	}
	return s
}

// Handler returns the master's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/store/", s.handleStore)
	mux.HandleFunc("/keys", s.handleKeys)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Run syncs against the storage fleet, starts the health checker, and
// serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SyncWithStorageNodes(ctx); err != nil {
		// a node being down at boot is not fatal; placement just starts
		// from whatever the reachable nodes reported
		s.log.Warnf("startup sync incomplete: %v", err)
	}

	go s.runHealthChecker(ctx)

	addr := s.cfg.Master.IPPort
	addr = strings.TrimPrefix(addr, "http://")

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Printf("master server listening at %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/store/")
	if key == "" || uint32(len(key)) > s.cfg.Storage.KeyLengthMax {
		http.Error(w, "bad key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, key)
	case http.MethodPut:
		s.handlePut(w, r, key)
	case http.MethodDelete:
		s.handleDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// storeURL builds the storage-node URL for a key.
func storeURL(ipPort, key string) string {
	return ipPort + "/store/" + url.PathEscape(key)
}

// isHealthy reports a node's last known health. Callers must hold s.mu.
func (s *Server) isHealthy(nodeID uint32) bool {
	sn, ok := s.nodes[nodeID]
	return ok && sn.IsHealthy
}
