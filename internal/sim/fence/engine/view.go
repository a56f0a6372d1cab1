package engine

import (
	"sort"

	"fencecraft.ai/internal/sim/fence/collision"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/fence/store"
)

// View is an immutable snapshot of the engine taken right after a mutation.
// Pieces, enclosures and collision geometry always belong to the same state.
type View struct {
	seq        uint64
	pieces     map[grid.Cell]store.Piece
	enclosures []store.Enclosure
	incomplete []grid.Cell
	blocked    []grid.Cell
	coll       *collision.Synth
}

// Seq increases by one with every published mutation.
func (v *View) Seq() uint64 { return v.seq }

func (v *View) Len() int { return len(v.pieces) }

func (v *View) PieceAt(c grid.Cell) (store.Piece, bool) {
	p, ok := v.pieces[c]
	return p, ok
}

func (v *View) IsOccupied(c grid.Cell) bool {
	_, ok := v.pieces[c]
	return ok
}

func (v *View) IsBlocked(c grid.Cell) bool {
	i := sort.Search(len(v.blocked), func(i int) bool {
		b := v.blocked[i]
		return b.Y > c.Y || (b.Y == c.Y && b.X >= c.X)
	})
	return i < len(v.blocked) && v.blocked[i] == c
}

// Pieces returns a copy of the cell -> piece map.
func (v *View) Pieces() map[grid.Cell]store.Piece {
	out := make(map[grid.Cell]store.Piece, len(v.pieces))
	for c, p := range v.pieces {
		out[c] = p
	}
	return out
}

func (v *View) Enclosures() []store.Enclosure {
	out := make([]store.Enclosure, len(v.enclosures))
	for i, e := range v.enclosures {
		e.Pieces = append([]store.Piece(nil), e.Pieces...)
		out[i] = e
	}
	return out
}

func (v *View) IncompleteCells() []grid.Cell { return append([]grid.Cell(nil), v.incomplete...) }
func (v *View) BlockedCells() []grid.Cell    { return append([]grid.Cell(nil), v.blocked...) }

func (v *View) CheckPoint(x, y float64) bool     { return v.coll.CheckPoint(x, y) }
func (v *View) CheckRect(r collision.Rect) bool  { return v.coll.CheckRect(r) }
func (v *View) CollisionRects() []collision.Rect { return v.coll.Rects() }
