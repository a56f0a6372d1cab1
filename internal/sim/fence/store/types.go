package store

import (
	"sort"
	"time"

	"fencecraft.ai/internal/sim/fence/catalog"
	"fencecraft.ai/internal/sim/fence/grid"
)

// MinEnclosurePieces is the smallest ring the detector accepts (a 3x3 box).
const MinEnclosurePieces = 8

// Piece is immutable; re-typing replaces it with a copy.
type Piece struct {
	Cell    grid.Cell
	Variant catalog.Variant
	// World position of the cell's minimum corner.
	X, Y float64

	Owner       string
	Material    string
	StructureID string
}

func (p Piece) WithVariant(v catalog.Variant) Piece {
	p.Variant = v
	return p
}

func (p Piece) Owned() bool { return p.Owner != "" }

type Enclosure struct {
	ID     string
	Bounds grid.Bounds
	// Perimeter pieces clockwise from the back-left corner.
	Pieces    []Piece
	Material  string
	Owner     string
	CreatedAt time.Time
}

// Complete checks the ring against its own bounds.
func (e Enclosure) Complete() bool {
	want, err := catalog.PerimeterLength(e.Bounds.W, e.Bounds.H)
	if err != nil || len(e.Pieces) != want {
		return false
	}
	have := make(map[grid.Cell]struct{}, len(e.Pieces))
	for _, p := range e.Pieces {
		if !e.Bounds.OnPerimeter(p.Cell) {
			return false
		}
		have[p.Cell] = struct{}{}
	}
	for _, c := range e.Bounds.PerimeterCells() {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

func (e Enclosure) Cells() []grid.Cell {
	out := make([]grid.Cell, 0, len(e.Pieces))
	for _, p := range e.Pieces {
		out = append(out, p.Cell)
	}
	return out
}

func (e Enclosure) clone() Enclosure {
	e.Pieces = append([]Piece(nil), e.Pieces...)
	return e
}

// Observer receives every structure edit in the order it is applied.
type Observer interface {
	PieceChanged(p Piece)
	PieceRemoved(c grid.Cell)
	EnclosureAdded(e Enclosure)
	EnclosureRemoved(id string)
}

// dominant returns the most common non-empty value; ties break
// lexicographically so detection is deterministic.
func dominant(vals []string) string {
	counts := map[string]int{}
	for _, v := range vals {
		if v != "" {
			counts[v]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}

// sharedOwner is the owner common to all pieces, or "" when they differ.
func sharedOwner(pieces []Piece) string {
	if len(pieces) == 0 {
		return ""
	}
	owner := pieces[0].Owner
	for _, p := range pieces[1:] {
		if p.Owner != owner {
			return ""
		}
	}
	return owner
}
