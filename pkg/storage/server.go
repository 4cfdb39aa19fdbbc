package storage

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/rackkey/rackkey/pkg/block"
	"github.com/rackkey/rackkey/pkg/diskstore"
	"github.com/rackkey/rackkey/pkg/elog"
	"github.com/rackkey/rackkey/pkg/payloads"
	"github.com/rackkey/rackkey/pkg/rkconfig"
)

// Server is the HTTP façade a storage node puts in front of its single
// on-disk block store.
type Server struct {
	log   elog.Logger
	cfg   rkconfig.StorageConfig
	store *diskstore.Store
}

// NewServer opens (or creates) the node's store file and returns the
// server wrapping it. The store file name carries the node's NODE_ID
// suffix so several nodes can share one volume in testing.
func NewServer(cfg rkconfig.StorageConfig, log elog.Logger) (*Server, error) {
	store, err := diskstore.Open(diskstore.Options{
		Dir:            cfg.StoreDirPath,
		FileName:       cfg.StoreFileName(),
		DiskBlockSize:  cfg.DiskBlockSize,
		DataBlockSize:  cfg.DataBlockSize,
		MaxDataSize:    cfg.MaxDataSize(),
		KeyLenMax:      cfg.KeyLengthMax,
		RemoveExisting: cfg.RemoveExistingStoreFile,
	})
	if err != nil {
		return nil, err
	}
	return &Server{log: log, cfg: cfg, store: store}, nil
}

// Store exposes the underlying engine, mainly to tests.
func (s *Server) Store() *diskstore.Store {
	return s.store
}

// Close releases the store file.
func (s *Server) Close() error {
	return s.store.Close()
}

// Handler returns the node's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/store/", s.handleStore)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenIPPort,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Printf("storage server listening at %s", s.cfg.ListenIPPort)
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

// normalizeKey pads the wire key out to the fixed on-disk width, since
// the network truncates null bytes and BAT keys are fixed-size.
func (s *Server) normalizeKey(key string) string {
	fixed := make([]byte, s.cfg.KeyLengthMax)
	copy(fixed, key)
	return string(fixed)
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/store/")
	if key == "" || uint32(len(key)) > s.cfg.KeyLengthMax {
		http.Error(w, "bad key", http.StatusBadRequest)
		return
	}
	key = s.normalizeKey(key)

	switch r.Method {
	case http.MethodGet:
		s.getBlocks(w, r, key)
	case http.MethodPut:
		s.putBlocks(w, r, key)
	case http.MethodDelete:
		s.deleteBlocks(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// getBlocks serves GET /store/{key}: the request body is a block number
// list, the response a serialized block stream.
func (s *Server) getBlocks(w http.ResponseWriter, r *http.Request, key string) {
	s.log.Debugf("GET /store req received: %s", strings.TrimRight(key, "\x00"))

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	blockNums, err := payloads.DecodeBlockNums(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	blocks, err := s.store.ReadBlocks(key, blockNums)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(block.Encode(blocks))
}

// putBlocks serves PUT /store/{key}: the request body is a serialized
// block stream, the response the node's new SizeInfo.
func (s *Server) putBlocks(w http.ResponseWriter, r *http.Request, key string) {
	s.log.Debugf("PUT /store req received: %s", strings.TrimRight(key, "\x00"))

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	blocks, err := block.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.WriteBlocks(key, blocks); err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(s.sizeInfo().Encode())
}

// deleteBlocks serves DELETE /store/{key}, replying with the node's new
// SizeInfo.
func (s *Server) deleteBlocks(w http.ResponseWriter, r *http.Request, key string) {
	s.log.Debugf("DEL /store req received: %s", strings.TrimRight(key, "\x00"))

	if err := s.store.DeleteBlocks(key); err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(s.sizeInfo().Encode())
}

// handleSync serves GET /sync: every key the node stores with its block
// numbers, plus current sizes. The master replays this to rebuild its
// placement map after a restart.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.log.Debugf("GET /sync req received")

	info := payloads.SyncInfo{
		KeyBlockNums: make(map[string][]uint32),
		Size:         s.sizeInfo(),
	}
	for _, key := range s.store.Keys() {
		blockNums, err := s.store.BlockNums(key)
		if err != nil {
			s.fail(w, err)
			return
		}
		info.KeyBlockNums[key] = blockNums
	}

	w.WriteHeader(http.StatusOK)
	w.Write(payloads.EncodeSyncInfo(info, int(s.cfg.KeyLengthMax)))
}

// handleHealth serves GET /health. If the node can answer, it is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) sizeInfo() payloads.SizeInfo {
	return payloads.SizeInfo{
		DataUsedSize:  s.store.DataUsedSize(),
		DataTotalSize: s.store.DataTotalSize(),
	}
}

// fail maps storage engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Errorf("%v", err)
	switch {
	case errors.Is(err, diskstore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, diskstore.ErrOutOfSpace):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	default:
		http.Error(w, fmt.Sprintf("internal error: %v", err), http.StatusInternalServerError)
	}
}
