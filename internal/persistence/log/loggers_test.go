package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAuditLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	hour := time.Date(2026, 5, 4, 13, 30, 0, 0, time.UTC)
	l.w.now = func() time.Time { return hour }

	in := []AuditEntry{
		{Seq: 1, Actor: "alice", Action: "PLACE", Cell: [2]int{1, 2}, Variant: "BackLeft", Material: "WOOD", StructureID: "s1", OK: true},
		{Seq: 2, Actor: "bob", Action: "REMOVE", Remote: true, Cell: [2]int{1, 2}, OK: false, Code: "E_NO_PERMISSION", Reason: "not owner"},
	}
	for _, e := range in {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadAuditFile(filepath.Join(dir, "audit", "audit-2026-05-04-13.jsonl.zst"))
	if err != nil {
		t.Fatalf("ReadAuditFile: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("entries=%d", len(got))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("entry %d: got %+v want %+v", i, got[i], in[i])
		}
	}
}

func TestAuditLoggerRotatesAndReopens(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 5, 4, 22, 59, 0, 0, time.UTC)
	clock := func() time.Time { return at }

	l := NewAuditLogger(dir)
	l.w.now = clock
	if err := l.WriteAudit(AuditEntry{Seq: 1, Action: "PLACE", OK: true}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := l.WriteAudit(AuditEntry{Seq: 2, Action: "PLACE", OK: true}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	_ = l.Close()

	// A restart in the same hour appends to that hour's file.
	l = NewAuditLogger(dir)
	l.w.now = clock
	if err := l.WriteAudit(AuditEntry{Seq: 3, Action: "REMOVE", OK: true}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	_ = l.Close()

	if err := os.WriteFile(filepath.Join(AuditDir(dir), "audit-notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	files, err := AuditFiles(AuditDir(dir))
	if err != nil {
		t.Fatalf("AuditFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "audit-2026-05-04-22.jsonl.zst" || filepath.Base(files[1]) != "audit-2026-05-04-23.jsonl.zst" {
		t.Fatalf("files: %v", files)
	}
	var seqs []uint64
	for _, f := range files {
		got, err := ReadAuditFile(f)
		if err != nil {
			t.Fatalf("ReadAuditFile: %v", err)
		}
		for _, e := range got {
			seqs = append(seqs, e.Seq)
		}
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("seqs: %v", seqs)
	}
}
