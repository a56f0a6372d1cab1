package main

import (
	"fmt"

	"fencecraft.ai/internal/persistence/snapshot"
	"fencecraft.ai/internal/sim/fence/codec"
	"fencecraft.ai/internal/sim/fence/engine"
)

type inspectReport struct {
	Path       string                  `json:"path"`
	Header     snapshot.Header         `json:"header"`
	Corrupt    int                     `json:"corrupt_lines"`
	Restore    codec.RestoreReport     `json:"restore"`
	Enclosures int                     `json:"enclosures"`
	Incomplete int                     `json:"incomplete_cells"`
	Digest     string                  `json:"digest"`
	Invariants string                  `json:"invariants,omitempty"`
	Records    []codec.EnclosureRecord `json:"records,omitempty"`
}

func listSnapshots(dir string) ([]string, error) { return snapshot.List(dir) }

// inspectSnapshot reads path and restores it into a throwaway engine, so the
// report reflects what a server would actually load.
func inspectSnapshot(path string) (inspectReport, error) {
	rep := inspectReport{Path: path}
	f, err := snapshot.Read(path)
	if err != nil {
		return rep, err
	}
	rep.Header = f.Header
	rep.Corrupt = f.Corrupt
	rep.Records = f.Records

	cellSize := float64(f.Header.CellSize)
	eng := engine.New(engine.Config{CellSize: cellSize}, nil)
	rep.Restore = eng.Restore(f.Records)
	v := eng.View()
	rep.Enclosures = len(v.Enclosures())
	rep.Incomplete = len(v.IncompleteCells())
	rep.Digest = eng.Digest()
	if err := eng.CheckInvariants(); err != nil {
		rep.Invariants = err.Error()
	}
	return rep, nil
}

// Problems lists everything that would make a load lossy.
func (r inspectReport) Problems() []string {
	var out []string
	if r.Corrupt > 0 {
		out = append(out, fmt.Sprintf("%d corrupt record lines", r.Corrupt))
	}
	if r.Restore.Errors > 0 {
		out = append(out, fmt.Sprintf("%d records rejected on restore", r.Restore.Errors))
	}
	if r.Corrupt == 0 && r.Header.Records != len(r.Records) {
		out = append(out, fmt.Sprintf("header says %d records, file has %d", r.Header.Records, len(r.Records)))
	}
	if r.Corrupt == 0 && r.Restore.Errors == 0 && r.Digest != r.Header.Digest {
		out = append(out, fmt.Sprintf("digest mismatch: header=%s restored=%s", r.Header.Digest, r.Digest))
	}
	if r.Invariants != "" {
		out = append(out, "invariants: "+r.Invariants)
	}
	return out
}
