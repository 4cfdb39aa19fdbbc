package master

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"bytes"
	"net/http"
	"sort"
	"strconv"

	"github.com/cloudfoundry/bytefmt"
	"github.com/sisatech/tablewriter"
)

// handleKeys serves GET /keys: every known key, one per line.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.kbn))
	for key := range s.kbn {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	w.WriteHeader(http.StatusOK)
	for _, key := range keys {
		w.Write([]byte(key + "\n"))
	}
}

// handleStats serves GET /stats: a terminal-printable table with one row
// per storage node.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	ids := make([]uint32, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		sn := s.nodes[id]
		status := "running"
		if !sn.IsHealthy {
			status = "down"
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(sn.ID), 10),
			status,
			strconv.FormatUint(uint64(sn.Stats.BlocksStored), 10),
			bytefmt.ByteSize(uint64(sn.Stats.DataBytesUsed)),
			bytefmt.ByteSize(uint64(sn.Stats.DataBytesFree)),
			bytefmt.ByteSize(uint64(sn.Stats.DataBytesTotal)),
		})
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"node", "status", "#blocks", "used", "free", "total"})
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()

	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
