package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "validate":
			validateCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := listSnapshots(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	records := fs.Bool("records", false, "print every record")
	_ = fs.Parse(args)

	path := snapshotArg(fs, *dataDir)
	rep, err := inspectSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "inspect:", err)
		os.Exit(1)
	}
	if !*records {
		rep.Records = nil
	}
	printJSON(rep)
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	path := snapshotArg(fs, *dataDir)
	rep, err := inspectSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "validate:", err)
		os.Exit(1)
	}
	problems := rep.Problems()
	if len(problems) == 0 {
		fmt.Printf("ok: snapshot=%s seq=%d records=%d pieces=%d enclosures=%d digest=%s\n",
			filepath.Base(path), rep.Header.Seq, rep.Header.Records, rep.Header.Pieces, rep.Enclosures, rep.Digest)
		return
	}
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, "problem:", p)
	}
	os.Exit(1)
}

// snapshotArg is the first positional argument, or the newest snapshot under
// dataDir.
func snapshotArg(fs *flag.FlagSet, dataDir string) string {
	if fs.NArg() > 0 {
		return strings.TrimSpace(fs.Arg(0))
	}
	paths, err := listSnapshots(filepath.Join(dataDir, "snapshots"))
	if err != nil || len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no snapshot found; pass a path or run the server until it writes one")
		os.Exit(2)
	}
	return paths[len(paths)-1]
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
