package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/klauspost/compress/zstd"

	"fencecraft.ai/internal/sim/fence/codec"
)

func sampleRecords() []codec.EnclosureRecord {
	owner := "alice"
	return []codec.EnclosureRecord{
		{
			ID:        "E1",
			Complete:  true,
			Bounds:    codec.BoundsRecord{X: 0, Y: 0, W: 2, H: 2},
			Material:  "WOOD",
			Owner:     &owner,
			CreatedAt: 1700000000000,
			Pieces: []codec.PieceRecord{
				{X: 0, Y: 0, Variant: "BackLeft", Owner: &owner, Material: "WOOD"},
				{X: 64, Y: 0, Variant: "BackRight", Owner: &owner, Material: "WOOD"},
			},
		},
		{
			Bounds:    codec.BoundsRecord{X: 5, Y: 5, W: 1, H: 1},
			Material:  "WOOD",
			CreatedAt: 1700000000001,
			Pieces:    []codec.PieceRecord{{X: 320, Y: 320, Variant: "BackLeft", StructureID: "s-1"}},
		},
	}
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords()
	path := Path(dir, 42)

	h, err := Write(path, Header{Seq: 42, SavedAtMS: 5, CellSize: 64}, recs)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h.Version != Version || h.Records != 2 || h.Pieces != 3 || h.Digest != codec.Digest(recs) {
		t.Fatalf("header: %+v", h)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Header != h || got.Corrupt != 0 {
		t.Fatalf("read header %+v corrupt=%d", got.Header, got.Corrupt)
	}
	if !reflect.DeepEqual(got.Records, recs) {
		t.Fatalf("records differ:\n%+v\n%+v", got.Records, recs)
	}
}

func TestReadSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad"+ext)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	good, _ := codec.EncodeRecord(sampleRecords()[1])
	lines := [][]byte{
		[]byte(`{"version":1,"seq":3,"records":3}`),
		good,
		[]byte(`{"bounds":{"x":0,"y":0,"w":1,"h":1},"material":"WOOD"}`),
		[]byte(`not json`),
	}
	for _, l := range lines {
		_, _ = enc.Write(append(l, '\n'))
	}
	_ = enc.Close()
	_ = f.Close()

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Records) != 1 || got.Corrupt != 2 || got.Header.Seq != 3 {
		t.Fatalf("records=%d corrupt=%d header=%+v", len(got.Records), got.Corrupt, got.Header)
	}
}

func TestListLatestPrune(t *testing.T) {
	dir := t.TempDir()
	if _, err := Latest(dir); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("empty dir: %v", err)
	}
	for _, seq := range []uint64{9, 100, 10} {
		if _, err := Write(Path(dir, seq), Header{Seq: seq}, nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	latest, err := Latest(dir)
	if err != nil || latest != Path(dir, 100) {
		t.Fatalf("Latest=%s err=%v", latest, err)
	}
	n, err := Prune(dir, 2)
	if err != nil || n != 1 {
		t.Fatalf("Prune removed %d: %v", n, err)
	}
	paths, _ := List(dir)
	if len(paths) != 2 || paths[0] != Path(dir, 10) {
		t.Fatalf("after prune: %v", paths)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v9"+ext)
	f, _ := os.Create(path)
	enc, _ := zstd.NewWriter(f)
	_, _ = enc.Write([]byte("{\"version\":9}\n"))
	_ = enc.Close()
	_ = f.Close()
	if _, err := Read(path); err == nil {
		t.Fatalf("expected version error")
	}
}
