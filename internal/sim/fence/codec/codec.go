// Package codec converts the structure store to and from its persisted record
// form. Restore is per-record: a bad record is skipped and counted, never fatal.
package codec

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"fencecraft.ai/internal/sim/fence/catalog"
	"fencecraft.ai/internal/sim/fence/fenceerr"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/fence/store"
)

const DefaultMaterial = "WOOD"

type Codec struct {
	// DefaultMaterial labels the synthetic incomplete record and fills piece
	// entries that carry no material.
	DefaultMaterial string
	Now             func() time.Time
	Logger          *log.Logger
}

type RestoreReport struct {
	Restored int `json:"restored"`
	Pieces   int `json:"pieces"`
	Errors   int `json:"errors"`
}

func (c Codec) material() string {
	if c.DefaultMaterial == "" {
		return DefaultMaterial
	}
	return c.DefaultMaterial
}

func (c Codec) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c Codec) logger() *log.Logger {
	if c.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return c.Logger
}

// Serialize emits one record per enclosure, oldest first, then one synthetic
// record holding every incomplete piece. The synthetic record is omitted when
// no piece is incomplete.
func (c Codec) Serialize(st *store.Store) []EnclosureRecord {
	encs := st.Enclosures()
	out := make([]EnclosureRecord, 0, len(encs)+1)
	for _, e := range encs {
		created := e.CreatedAt
		if created.IsZero() {
			created = c.now()
		}
		rec := EnclosureRecord{
			ID:        e.ID,
			Complete:  true,
			Bounds:    boundsRecord(e.Bounds),
			Material:  e.Material,
			Owner:     ownerPtr(e.Owner),
			CreatedAt: millis(created),
			Pieces:    make([]PieceRecord, 0, len(e.Pieces)),
		}
		if rec.Material == "" {
			rec.Material = c.material()
		}
		for _, p := range e.Pieces {
			rec.Pieces = append(rec.Pieces, pieceRecord(p))
		}
		out = append(out, rec)
	}

	cells := st.IncompleteCells()
	if len(cells) == 0 {
		return out
	}
	rec := EnclosureRecord{
		Bounds:    boundsRecord(grid.BoundsOf(cells)),
		Material:  c.material(),
		CreatedAt: millis(c.now()),
		Pieces:    make([]PieceRecord, 0, len(cells)),
	}
	for _, cell := range cells {
		p, _ := st.PieceAt(cell)
		rec.Pieces = append(rec.Pieces, pieceRecord(p))
	}
	return append(out, rec)
}

// Restore replaces the store's contents with recs. Records are checked and
// inserted whole; a record that fails Validate, or whose pieces collide with
// each other or with an earlier record, is skipped. Once every record is in,
// all pieces are re-typed, complete records whose own pieces still form an
// exact ring of at least store.MinEnclosurePieces are re-adopted with their
// ids and timestamps, and the remaining cells go through enclosure detection.
func (c Codec) Restore(st *store.Store, recs []EnclosureRecord) RestoreReport {
	var rep RestoreReport
	lg := c.logger()
	st.Clear()

	g := st.Grid()
	type adoption struct {
		rec     EnclosureRecord
		members []grid.Cell
	}
	var adopt []adoption
	for i, rec := range recs {
		pieces, err := c.piecesOf(g, rec)
		if err == nil {
			err = insertAll(st, pieces)
		}
		if err != nil {
			rep.Errors++
			lg.Printf("restore: skip record %d (%s): %v", i, rec.ID, err)
			continue
		}
		rep.Restored++
		rep.Pieces += len(pieces)
		if rec.Complete {
			members := make([]grid.Cell, 0, len(pieces))
			for _, p := range pieces {
				members = append(members, p.Cell)
			}
			adopt = append(adopt, adoption{rec: rec, members: members})
		}
	}

	st.RetypeAll()
	for _, a := range adopt {
		rec := a.rec
		b := grid.Bounds{X: rec.Bounds.X, Y: rec.Bounds.Y, W: rec.Bounds.W, H: rec.Bounds.H}
		created := time.UnixMilli(rec.CreatedAt).UTC()
		if _, ok := st.AdoptEnclosure(rec.ID, b, a.members, rec.Material, ownerVal(rec.Owner), created); !ok {
			lg.Printf("restore: enclosure %s at %v no longer forms a ring; re-detecting", rec.ID, b)
		}
	}
	st.DetectAll()
	return rep
}

func (c Codec) piecesOf(g *grid.Index, rec EnclosureRecord) ([]store.Piece, error) {
	if err := Validate(rec); err != nil {
		return nil, err
	}
	seen := make(map[grid.Cell]struct{}, len(rec.Pieces))
	out := make([]store.Piece, 0, len(rec.Pieces))
	for _, pr := range rec.Pieces {
		cell := g.WorldToCellInt(pr.X, pr.Y)
		if _, dup := seen[cell]; dup {
			return nil, fmt.Errorf("duplicate piece at %v: %w", cell, fenceerr.ErrCorruptRecord)
		}
		seen[cell] = struct{}{}
		if g.IsOccupied(cell) {
			return nil, fmt.Errorf("piece at %v: %w", cell, fenceerr.ErrOccupiedCell)
		}
		v, _ := catalog.ParseVariant(pr.Variant)
		material := pr.Material
		if material == "" {
			material = rec.Material
		}
		if material == "" {
			material = c.material()
		}
		out = append(out, store.Piece{
			Cell:        cell,
			Variant:     v,
			Owner:       ownerVal(pr.Owner),
			Material:    material,
			StructureID: pr.StructureID,
		})
	}
	return out, nil
}

func insertAll(st *store.Store, pieces []store.Piece) error {
	for i, p := range pieces {
		if err := st.Insert(p); err != nil {
			// Unreachable after piecesOf, but keep the store whole if it happens.
			for _, q := range pieces[:i] {
				_, _ = st.Remove(q.Cell)
			}
			return err
		}
	}
	return nil
}

// Digest hashes the structure content of recs: every piece's cell, variant,
// owner and material plus the bounds of each complete record. Ids and
// timestamps are left out, so two stores holding the same structures share a
// digest.
func Digest(recs []EnclosureRecord) string {
	var pieces, rings []string
	for _, rec := range recs {
		if rec.Complete {
			rings = append(rings, fmt.Sprintf("R %d %d %d %d %s %s", rec.Bounds.X, rec.Bounds.Y, rec.Bounds.W, rec.Bounds.H, rec.Material, ownerVal(rec.Owner)))
		}
		for _, p := range rec.Pieces {
			material := p.Material
			if material == "" {
				material = rec.Material
			}
			pieces = append(pieces, fmt.Sprintf("P %d %d %s %s %s", p.X, p.Y, p.Variant, ownerVal(p.Owner), material))
		}
	}
	sort.Strings(pieces)
	sort.Strings(rings)
	var b strings.Builder
	for _, s := range pieces {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	for _, s := range rings {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func boundsRecord(b grid.Bounds) BoundsRecord {
	return BoundsRecord{X: b.X, Y: b.Y, W: b.W, H: b.H}
}

func pieceRecord(p store.Piece) PieceRecord {
	return PieceRecord{
		X:           int(p.X),
		Y:           int(p.Y),
		Variant:     p.Variant.String(),
		Owner:       ownerPtr(p.Owner),
		Material:    p.Material,
		StructureID: p.StructureID,
	}
}

func millis(t time.Time) int64 {
	ms := t.UnixMilli()
	if ms <= 0 {
		ms = 1
	}
	return ms
}
