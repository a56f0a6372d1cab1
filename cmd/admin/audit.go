package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	auditlog "fencecraft.ai/internal/persistence/log"
)

type auditFilter struct {
	Actor       string
	StructureID string
	Cell        *[2]int
	FailedOnly  bool
}

func (f auditFilter) match(e auditlog.AuditEntry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.StructureID != "" && e.StructureID != f.StructureID {
		return false
	}
	if f.Cell != nil && e.Cell != *f.Cell {
		return false
	}
	if f.FailedOnly && e.OK {
		return false
	}
	return true
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	actor := fs.String("actor", "", "actor filter")
	structureID := fs.String("structure", "", "structure_id filter")
	cell := fs.String("cell", "", "cell filter: x,y")
	failed := fs.Bool("failed", false, "only denied edits")
	_ = fs.Parse(args)

	f := auditFilter{Actor: *actor, StructureID: *structureID, FailedOnly: *failed}
	if strings.TrimSpace(*cell) != "" {
		var c [2]int
		if _, err := fmt.Sscanf(*cell, "%d,%d", &c[0], &c[1]); err != nil {
			fmt.Fprintln(os.Stderr, "bad -cell:", err)
			os.Exit(2)
		}
		f.Cell = &c
	}

	out, err := readAudit(auditlog.AuditDir(*dataDir), f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	for _, e := range out {
		printJSON(e)
	}
}

// readAudit reads every hourly audit file under dir in order and keeps the
// entries f matches.
func readAudit(dir string, f auditFilter) ([]auditlog.AuditEntry, error) {
	paths, err := auditlog.AuditFiles(dir)
	if err != nil {
		return nil, err
	}

	var out []auditlog.AuditEntry
	for _, path := range paths {
		entries, err := auditlog.ReadAuditFile(path)
		if err != nil {
			return out, err
		}
		for _, e := range entries {
			if f.match(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
