// Package snapshot stores structure records in zstd-compressed files: a JSON
// header line followed by one JSON record per line.
package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"fencecraft.ai/internal/sim/fence/codec"
)

const Version = 1

const ext = ".snap.zst"

var ErrNoSnapshot = errors.New("no snapshot")

type Header struct {
	Version   int    `json:"version"`
	Seq       uint64 `json:"seq"`
	SavedAtMS int64  `json:"saved_at_ms"`
	CellSize  int    `json:"cell_size"`
	Records   int    `json:"records"`
	Pieces    int    `json:"pieces"`
	Digest    string `json:"digest"`
}

// File is a decoded snapshot. Corrupt counts record lines that failed the
// schema; they are left out of Records.
type File struct {
	Header  Header
	Records []codec.EnclosureRecord
	Corrupt int
}

// Path names the snapshot for seq inside dir.
func Path(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%012d%s", seq, ext))
}

// Write stores recs under h. Records, Pieces and Digest are filled in from
// recs; the completed header is returned.
func Write(path string, h Header, recs []codec.EnclosureRecord) (Header, error) {
	h.Version = Version
	h.Records = len(recs)
	h.Pieces = 0
	for _, r := range recs {
		h.Pieces += len(r.Pieces)
	}
	h.Digest = codec.Digest(recs)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return h, err
	}
	if err := writeTo(f, h, recs); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return h, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return h, err
	}
	return h, os.Rename(tmp, path)
}

func writeTo(f *os.File, h Header, recs []codec.EnclosureRecord) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	for _, r := range recs {
		b, err := codec.EncodeRecord(r)
		if err != nil {
			_ = enc.Close()
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		if _, err := bw.Write(b); err != nil {
			_ = enc.Close()
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			_ = enc.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Read decodes a snapshot. A bad header fails the read; a bad record line is
// skipped and counted.
func Read(path string) (File, error) {
	var out File
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return out, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 256*1024), 64*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return out, err
		}
		return out, fmt.Errorf("%s: missing header", path)
	}
	if err := json.Unmarshal(sc.Bytes(), &out.Header); err != nil {
		return out, fmt.Errorf("%s: header: %w", path, err)
	}
	if out.Header.Version != Version {
		return out, fmt.Errorf("%s: unsupported version %d", path, out.Header.Version)
	}
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := codec.DecodeRecord(line)
		if err != nil {
			out.Corrupt++
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, sc.Err()
}

// List returns the snapshot paths in dir, oldest first.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type item struct {
		seq  uint64
		path string
	}
	var items []item
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
		if err != nil {
			continue
		}
		items = append(items, item{seq: seq, path: filepath.Join(dir, name)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.path)
	}
	return out, nil
}

// Latest is the newest snapshot in dir, or ErrNoSnapshot.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", ErrNoSnapshot
	}
	return paths[len(paths)-1], nil
}

// Prune keeps the newest keep snapshots in dir and deletes the rest.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	paths, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(paths) > keep {
		if err := os.Remove(paths[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		paths = paths[1:]
		removed++
	}
	return removed, nil
}
