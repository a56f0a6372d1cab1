package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"fencecraft.ai/internal/persistence/indexdb"
	auditlog "fencecraft.ai/internal/persistence/log"
	"fencecraft.ai/internal/sim/fence/engine"
	"fencecraft.ai/internal/sim/materials"
	"fencecraft.ai/internal/transport/ws"
)

type auditQuerier interface {
	AuditsByActor(ctx context.Context, actor string, limit int) ([]auditlog.AuditEntry, error)
	AuditsByStructure(ctx context.Context, structureID string) ([]auditlog.AuditEntry, error)
	Stats() indexdb.Stats
}

type adminAPI struct {
	eng   *engine.Engine
	mats  *materials.Inventory
	relay *ws.Server
	snap  *snapshotter
	idx   auditQuerier
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", loopbackOnly(a.state))
	mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(a.snapshot))
	mux.HandleFunc("/admin/v1/audits", loopbackOnly(a.audits))
}

func (a *adminAPI) state(rw http.ResponseWriter, r *http.Request) {
	v := a.eng.View()
	resp := struct {
		Seq        uint64  `json:"seq"`
		Pieces     int     `json:"pieces"`
		Enclosures int     `json:"enclosures"`
		Incomplete int     `json:"incomplete"`
		Blocked    int     `json:"blocked"`
		Clients    int     `json:"clients"`
		Digest     string  `json:"digest"`
		Materials  [][]any `json:"materials"`
	}{
		Seq:        v.Seq(),
		Pieces:     v.Len(),
		Enclosures: len(v.Enclosures()),
		Incomplete: len(v.IncompleteCells()),
		Blocked:    len(v.BlockedCells()),
		Clients:    a.relay.Clients(),
		Digest:     a.eng.Digest(),
		Materials:  materials.EncodeItemPairs(a.mats.Snapshot()),
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *adminAPI) snapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h, wrote, err := a.snap.save()
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "written": wrote, "seq": h.Seq, "digest": h.Digest})
}

func (a *adminAPI) audits(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	var (
		out []auditlog.AuditEntry
		err error
	)
	switch {
	case q.Get("structure_id") != "":
		out, err = a.idx.AuditsByStructure(ctx, q.Get("structure_id"))
	case q.Get("actor") != "":
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		out, err = a.idx.AuditsByActor(ctx, q.Get("actor"), limit)
	default:
		http.Error(rw, "actor or structure_id required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (a *adminAPI) metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	v := a.eng.View()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP fencecraft_seq Published engine state sequence.\n")
	fmt.Fprintf(rw, "# TYPE fencecraft_seq counter\n")
	fmt.Fprintf(rw, "fencecraft_seq %d\n", v.Seq())

	fmt.Fprintf(rw, "# HELP fencecraft_pieces Placed fence pieces.\n")
	fmt.Fprintf(rw, "# TYPE fencecraft_pieces gauge\n")
	fmt.Fprintf(rw, "fencecraft_pieces %d\n", v.Len())

	fmt.Fprintf(rw, "# HELP fencecraft_enclosures Complete enclosures.\n")
	fmt.Fprintf(rw, "# TYPE fencecraft_enclosures gauge\n")
	fmt.Fprintf(rw, "fencecraft_enclosures %d\n", len(v.Enclosures()))

	fmt.Fprintf(rw, "# HELP fencecraft_clients Connected replication clients.\n")
	fmt.Fprintf(rw, "# TYPE fencecraft_clients gauge\n")
	fmt.Fprintf(rw, "fencecraft_clients %d\n", a.relay.Clients())

	fmt.Fprintf(rw, "# HELP fencecraft_materials Material units left in the local inventory.\n")
	fmt.Fprintf(rw, "# TYPE fencecraft_materials gauge\n")
	for _, pair := range materials.EncodeItemPairs(a.mats.Snapshot()) {
		fmt.Fprintf(rw, "fencecraft_materials{material=%q} %d\n", pair[0], pair[1])
	}

	if a.idx == nil {
		return
	}
	s := a.idx.Stats()
	fmt.Fprintf(rw, "# HELP fencecraft_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE fencecraft_index_dropped_total counter\n")
	fmt.Fprintf(rw, "fencecraft_index_dropped_total{kind=%q} %d\n", "audit", s.DropAuditTotal)
	fmt.Fprintf(rw, "fencecraft_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
	fmt.Fprintf(rw, "# HELP fencecraft_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE fencecraft_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "fencecraft_index_queue_depth %d\n", s.QueueDepth)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
