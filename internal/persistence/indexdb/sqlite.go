// Package indexdb keeps a queryable SQLite index of audit entries and snapshot
// metadata. Writes are queued to a single writer goroutine and dropped when
// the queue is full; the zstd JSONL logs and snapshot files stay the source of
// truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	auditlog "fencecraft.ai/internal/persistence/log"
	"fencecraft.ai/internal/persistence/snapshot"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqSnapshot
	reqSync
)

type req struct {
	kind reqKind

	audit    auditlog.AuditEntry
	snapshot snapshotRow
	done     chan struct{}
}

type snapshotRow struct {
	Path   string
	Header snapshot.Header
}

// SnapshotRow is one indexed snapshot file.
type SnapshotRow struct {
	Seq       uint64 `json:"seq"`
	Path      string `json:"path"`
	SavedAtMS int64  `json:"saved_at_ms"`
	Records   int    `json:"records"`
	Pieces    int    `json:"pieces"`
	Digest    string `json:"digest"`
}

type Stats struct {
	DropAuditTotal    uint64
	DropSnapshotTotal uint64
	QueueDepth        int
	QueueCapacity     int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			ts_ms INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			remote INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			variant TEXT,
			material TEXT,
			structure_id TEXT,
			ok INTEGER NOT NULL,
			code TEXT,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor ON audits(actor, id);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_cell ON audits(x, y, id);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_structure ON audits(structure_id);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			saved_at_ms INTEGER NOT NULL,
			records INTEGER NOT NULL,
			pieces INTEGER NOT NULL,
			digest TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteAudit queues e; it never blocks the caller.
func (s *SQLiteIndex) WriteAudit(e auditlog.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: e}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: snapshotRow{Path: path, Header: h}}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// Sync waits until everything queued before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return errors.New("index closed")
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
	}
}

// LatestSnapshot returns the indexed snapshot with the highest seq.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (SnapshotRow, bool, error) {
	var r SnapshotRow
	err := s.db.QueryRowContext(ctx,
		`SELECT seq,path,saved_at_ms,records,pieces,digest FROM snapshots ORDER BY seq DESC LIMIT 1`,
	).Scan(&r.Seq, &r.Path, &r.SavedAtMS, &r.Records, &r.Pieces, &r.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	return r, err == nil, err
}

// ListSnapshots returns up to limit indexed snapshots, newest first.
func (s *SQLiteIndex) ListSnapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,path,saved_at_ms,records,pieces,digest FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.Seq, &r.Path, &r.SavedAtMS, &r.Records, &r.Pieces, &r.Digest); err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditsByActor returns up to limit entries for actor, newest first.
func (s *SQLiteIndex) AuditsByActor(ctx context.Context, actor string, limit int) ([]auditlog.AuditEntry, error) {
	return s.queryAudits(ctx, `SELECT raw_json FROM audits WHERE actor=? ORDER BY id DESC LIMIT ?`, actor, limit)
}

// AuditsByStructure returns every entry that touched structureID, oldest first.
func (s *SQLiteIndex) AuditsByStructure(ctx context.Context, structureID string) ([]auditlog.AuditEntry, error) {
	return s.queryAudits(ctx, `SELECT raw_json FROM audits WHERE structure_id=? ORDER BY id ASC`, structureID)
}

func (s *SQLiteIndex) queryAudits(ctx context.Context, q string, args ...any) ([]auditlog.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auditlog.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return out, err
		}
		var e auditlog.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertAudit, _ := s.db.Prepare(`INSERT INTO audits(seq,ts_ms,actor,action,remote,x,y,variant,material,structure_id,ok,code,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(seq,path,saved_at_ms,records,pieces,digest) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			raw, _ := json.Marshal(a)
			if insertAudit != nil {
				if _, err := tx.Stmt(insertAudit).Exec(
					int64(a.Seq),
					a.TimeMS,
					a.Actor,
					a.Action,
					boolInt(a.Remote),
					a.Cell[0], a.Cell[1],
					a.Variant,
					a.Material,
					a.StructureID,
					boolInt(a.OK),
					a.Code,
					a.Reason,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			h := r.snapshot.Header
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					int64(h.Seq),
					r.snapshot.Path,
					h.SavedAtMS,
					h.Records,
					h.Pieces,
					h.Digest,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
