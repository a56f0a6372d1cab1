package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fencecraft.ai/internal/persistence/indexdb"
	auditlog "fencecraft.ai/internal/persistence/log"
	"fencecraft.ai/internal/persistence/snapshot"
	"fencecraft.ai/internal/sim/fence/catalog"
	"fencecraft.ai/internal/sim/fence/engine"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/materials"
	"fencecraft.ai/internal/transport/ws"
)

type recordedSnapshots struct{ paths []string }

func (r *recordedSnapshots) RecordSnapshot(path string, h snapshot.Header) {
	r.paths = append(r.paths, path)
}

func buildRing(t *testing.T, eng *engine.Engine, b grid.Bounds, actor string) {
	t.Helper()
	plan, err := catalog.RectanglePieces(b)
	if err != nil {
		t.Fatalf("RectanglePieces: %v", err)
	}
	for _, p := range plan {
		if _, err := eng.Place(p.Cell, "WOOD", actor); err != nil {
			t.Fatalf("Place %v: %v", p.Cell, err)
		}
	}
}

func TestSnapshotterSavesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	eng := engine.New(engine.Config{}, nil)
	rec := &recordedSnapshots{}
	s := &snapshotter{
		eng:     eng,
		dir:     dir,
		keep:    2,
		idx:     rec,
		log:     log.New(io.Discard, "", 0),
		now:     func() time.Time { return time.UnixMilli(1700000000000) },
		lastSeq: eng.View().Seq(),
	}

	if _, ok, err := s.save(); ok || err != nil {
		t.Fatalf("unchanged engine saved: ok=%v err=%v", ok, err)
	}

	buildRing(t, eng, grid.Bounds{X: 0, Y: 0, W: 3, H: 3}, "alice")
	h, ok, err := s.save()
	if err != nil || !ok {
		t.Fatalf("save: ok=%v err=%v", ok, err)
	}
	if h.Seq != eng.View().Seq() || h.Pieces != 8 || h.Digest != eng.Digest() || h.SavedAtMS != 1700000000000 {
		t.Fatalf("header: %+v", h)
	}
	if _, ok, _ := s.save(); ok {
		t.Fatalf("second save without changes wrote a file")
	}

	for i := 0; i < 3; i++ {
		if _, err := eng.Place(grid.Cell{X: 10 + i, Y: 10}, "WOOD", "bob"); err != nil {
			t.Fatalf("Place: %v", err)
		}
		if _, _, err := s.save(); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	paths, _ := snapshot.List(dir)
	if len(paths) != 2 || len(rec.paths) != 4 {
		t.Fatalf("files=%v recorded=%d", paths, len(rec.paths))
	}
}

func TestResumeRestoresLatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	src := engine.New(engine.Config{}, nil)
	buildRing(t, src, grid.Bounds{X: 2, Y: 2, W: 4, H: 4}, "alice")
	if _, err := src.Place(grid.Cell{X: 20, Y: 20}, "STONE", "bob"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	s := &snapshotter{eng: src, dir: dir, log: log.New(io.Discard, "", 0)}
	if _, _, err := s.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	path, err := snapshot.Latest(dir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	dst := engine.New(engine.Config{}, nil)
	if err := resume(dst, path, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if dst.Digest() != src.Digest() || len(dst.Enclosures()) != 1 || dst.View().Len() != 13 {
		t.Fatalf("resumed state differs: pieces=%d enclosures=%d", dst.View().Len(), len(dst.Enclosures()))
	}
}

type fakeIndex struct{}

func (fakeIndex) AuditsByActor(ctx context.Context, actor string, limit int) ([]auditlog.AuditEntry, error) {
	return []auditlog.AuditEntry{{Seq: 2, Actor: actor, Action: "PLACE", OK: true}}, nil
}

func (fakeIndex) AuditsByStructure(ctx context.Context, structureID string) ([]auditlog.AuditEntry, error) {
	return []auditlog.AuditEntry{{Seq: 3, StructureID: structureID}, {Seq: 4, StructureID: structureID}}, nil
}

func (fakeIndex) Stats() indexdb.Stats { return indexdb.Stats{DropAuditTotal: 5} }

func newAdmin(t *testing.T) (*adminAPI, *http.ServeMux) {
	t.Helper()
	inv := materials.New(map[string]int{"WOOD": 10, "STONE": 2})
	eng := engine.New(engine.Config{}, inv)
	a := &adminAPI{
		eng:   eng,
		mats:  inv,
		relay: ws.NewServer(eng, nil, ws.DefaultOptions()),
		snap:  &snapshotter{eng: eng, dir: t.TempDir(), log: log.New(io.Discard, "", 0)},
		idx:   fakeIndex{},
	}
	mux := http.NewServeMux()
	a.register(mux)
	mux.HandleFunc("/metrics", a.metrics)
	return a, mux
}

func serve(mux *http.ServeMux, method, target, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remote
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	return rw
}

func TestAdminState(t *testing.T) {
	a, mux := newAdmin(t)
	buildRing(t, a.eng, grid.Bounds{X: 0, Y: 0, W: 3, H: 3}, "alice")

	rw := serve(mux, http.MethodGet, "/admin/v1/state", "127.0.0.1:5000")
	if rw.Code != http.StatusOK {
		t.Fatalf("status %d", rw.Code)
	}
	var got struct {
		Pieces     int     `json:"pieces"`
		Enclosures int     `json:"enclosures"`
		Digest     string  `json:"digest"`
		Materials  [][]any `json:"materials"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pieces != 8 || got.Enclosures != 1 || got.Digest != a.eng.Digest() || len(got.Materials) != 2 {
		t.Fatalf("state: %+v", got)
	}

	if rw := serve(mux, http.MethodGet, "/admin/v1/state", "10.1.2.3:5000"); rw.Code != http.StatusForbidden {
		t.Fatalf("remote caller got %d", rw.Code)
	}
}

func TestAdminSnapshot(t *testing.T) {
	a, mux := newAdmin(t)
	if rw := serve(mux, http.MethodGet, "/admin/v1/snapshot", "[::1]:1"); rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET snapshot: %d", rw.Code)
	}
	if _, err := a.eng.Place(grid.Cell{X: 1, Y: 1}, "WOOD", "alice"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	rw := serve(mux, http.MethodPost, "/admin/v1/snapshot", "[::1]:1")
	if rw.Code != http.StatusOK || !strings.Contains(rw.Body.String(), `"written":true`) {
		t.Fatalf("POST snapshot: %d %s", rw.Code, rw.Body.String())
	}
	if _, err := snapshot.Latest(a.snap.dir); err != nil {
		t.Fatalf("no snapshot written: %v", err)
	}
}

func TestAdminAudits(t *testing.T) {
	_, mux := newAdmin(t)

	rw := serve(mux, http.MethodGet, "/admin/v1/audits?structure_id=s-1", "127.0.0.1:1")
	var trail []auditlog.AuditEntry
	if err := json.Unmarshal(rw.Body.Bytes(), &trail); err != nil || len(trail) != 2 {
		t.Fatalf("structure trail: %s", rw.Body.String())
	}
	rw = serve(mux, http.MethodGet, "/admin/v1/audits?actor=alice", "127.0.0.1:1")
	var byActor []auditlog.AuditEntry
	if err := json.Unmarshal(rw.Body.Bytes(), &byActor); err != nil || len(byActor) != 1 || byActor[0].Actor != "alice" {
		t.Fatalf("actor audits: %s", rw.Body.String())
	}
	if rw := serve(mux, http.MethodGet, "/admin/v1/audits", "127.0.0.1:1"); rw.Code != http.StatusBadRequest {
		t.Fatalf("missing filter: %d", rw.Code)
	}
}

func TestMetrics(t *testing.T) {
	a, mux := newAdmin(t)
	buildRing(t, a.eng, grid.Bounds{X: 0, Y: 0, W: 3, H: 3}, "alice")
	body := serve(mux, http.MethodGet, "/metrics", "192.0.2.1:1").Body.String()
	for _, want := range []string{
		"fencecraft_pieces 8\n",
		"fencecraft_enclosures 1\n",
		"fencecraft_clients 0\n",
		`fencecraft_materials{material="WOOD"} 2`,
		`fencecraft_materials{material="STONE"} 2`,
		`fencecraft_index_dropped_total{kind="audit"} 5`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("%s: got %v want %v", in, got, want)
		}
	}
}
