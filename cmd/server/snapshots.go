package main

import (
	"context"
	"log"
	"sync"
	"time"

	"fencecraft.ai/internal/persistence/snapshot"
	"fencecraft.ai/internal/sim/fence/engine"
)

type snapshotIndex interface {
	RecordSnapshot(path string, h snapshot.Header)
}

// snapshotter writes the engine state to dir whenever it changed since the
// last save, keeping the newest keep files.
type snapshotter struct {
	eng      *engine.Engine
	dir      string
	keep     int
	cellSize int
	idx      snapshotIndex
	log      *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastSeq uint64
}

// save writes a snapshot unless nothing changed since the previous one. It
// reports whether a file was written.
func (s *snapshotter) save() (snapshot.Header, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, recs := s.eng.Checkpoint()
	if seq == s.lastSeq {
		return snapshot.Header{}, false, nil
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	path := snapshot.Path(s.dir, seq)
	h, err := snapshot.Write(path, snapshot.Header{
		Seq:       seq,
		SavedAtMS: now().UnixMilli(),
		CellSize:  s.cellSize,
	}, recs)
	if err != nil {
		return h, false, err
	}
	s.lastSeq = seq
	if s.idx != nil {
		s.idx.RecordSnapshot(path, h)
	}
	if n, err := snapshot.Prune(s.dir, s.keep); err != nil {
		s.log.Printf("snapshot prune: %v", err)
	} else if n > 0 {
		s.log.Printf("snapshot prune: removed %d", n)
	}
	return h, true, nil
}

func (s *snapshotter) run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if h, ok, err := s.save(); err != nil {
				s.log.Printf("snapshot write: %v", err)
			} else if ok {
				s.log.Printf("snapshot seq=%d records=%d pieces=%d", h.Seq, h.Records, h.Pieces)
			}
		}
	}
}

// resume restores the snapshot at path into eng.
func resume(eng *engine.Engine, path string, logger *log.Logger) error {
	f, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	rep := eng.Restore(f.Records)
	logger.Printf("resumed from snapshot=%s seq=%d restored=%d pieces=%d skipped=%d corrupt_lines=%d",
		path, f.Header.Seq, rep.Restored, rep.Pieces, rep.Errors, f.Corrupt)
	if d := eng.Digest(); f.Corrupt == 0 && rep.Errors == 0 && d != f.Header.Digest {
		logger.Printf("resume: digest mismatch file=%s live=%s", f.Header.Digest, d)
	}
	return nil
}
