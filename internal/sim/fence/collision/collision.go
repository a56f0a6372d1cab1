// Package collision derives axis-aligned blocking rectangles from placed
// pieces and completed enclosures, and answers point/rect queries against
// them. It follows the store as an Observer so geometry never lags a structure
// edit.
package collision

import (
	"math"
	"sort"

	"fencecraft.ai/internal/sim/fence/catalog"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/fence/store"
)

const DefaultDepthRatio = 0.2

// Rect is half-open: it covers [X, X+W) x [Y, Y+H).
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Rect) ContainsPoint(x, y float64) bool {
	return x >= r.X && x < r.X+r.W && y >= r.Y && y < r.Y+r.H
}

func (r Rect) Overlaps(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

type Synth struct {
	cellSize float64
	depth    float64

	cells      map[grid.Cell]Rect
	enclosures map[string][4]Rect
}

var _ store.Observer = (*Synth)(nil)

func New(cellSize, depthRatio float64) *Synth {
	if cellSize <= 0 {
		cellSize = grid.DefaultCellSize
	}
	if depthRatio <= 0 || depthRatio > 1 {
		depthRatio = DefaultDepthRatio
	}
	return &Synth{
		cellSize:   cellSize,
		depth:      cellSize * depthRatio,
		cells:      map[grid.Cell]Rect{},
		enclosures: map[string][4]Rect{},
	}
}

// PieceRect is the full cell for corners and a strip on the faced side for
// edges.
func (s *Synth) PieceRect(p store.Piece) Rect {
	x, y := float64(p.Cell.X)*s.cellSize, float64(p.Cell.Y)*s.cellSize
	size, d := s.cellSize, s.depth
	switch p.Variant.Facing() {
	case catalog.SideBack:
		return Rect{X: x, Y: y, W: size, H: d}
	case catalog.SideFront:
		return Rect{X: x, Y: y + size - d, W: size, H: d}
	case catalog.SideLeft:
		return Rect{X: x, Y: y, W: d, H: size}
	case catalog.SideRight:
		return Rect{X: x + size - d, Y: y, W: d, H: size}
	}
	return Rect{X: x, Y: y, W: size, H: size}
}

// PerimeterStrips spans each side of b: back, right, front, left.
func (s *Synth) PerimeterStrips(b grid.Bounds) [4]Rect {
	x, y := float64(b.X)*s.cellSize, float64(b.Y)*s.cellSize
	w, h := float64(b.W)*s.cellSize, float64(b.H)*s.cellSize
	d := s.depth
	return [4]Rect{
		{X: x, Y: y, W: w, H: d},
		{X: x + w - d, Y: y, W: d, H: h},
		{X: x, Y: y + h - d, W: w, H: d},
		{X: x, Y: y, W: d, H: h},
	}
}

func (s *Synth) PieceChanged(p store.Piece) { s.cells[p.Cell] = s.PieceRect(p) }
func (s *Synth) PieceRemoved(c grid.Cell)   { delete(s.cells, c) }

func (s *Synth) EnclosureAdded(e store.Enclosure) {
	s.enclosures[e.ID] = s.PerimeterStrips(e.Bounds)
}

func (s *Synth) EnclosureRemoved(id string) { delete(s.enclosures, id) }

// Rebuild discards everything and recomputes from the given structure state.
func (s *Synth) Rebuild(pieces map[grid.Cell]store.Piece, enclosures []store.Enclosure) {
	s.cells = make(map[grid.Cell]Rect, len(pieces))
	s.enclosures = make(map[string][4]Rect, len(enclosures))
	for _, p := range pieces {
		s.PieceChanged(p)
	}
	for _, e := range enclosures {
		s.EnclosureAdded(e)
	}
}

func (s *Synth) CellRect(c grid.Cell) (Rect, bool) {
	r, ok := s.cells[c]
	return r, ok
}

func (s *Synth) EnclosureRects(id string) ([4]Rect, bool) {
	r, ok := s.enclosures[id]
	return r, ok
}

func (s *Synth) Len() (cells, enclosures int) { return len(s.cells), len(s.enclosures) }

func (s *Synth) CheckPoint(x, y float64) bool {
	c := grid.Cell{X: int(math.Floor(x / s.cellSize)), Y: int(math.Floor(y / s.cellSize))}
	if r, ok := s.cells[c]; ok && r.ContainsPoint(x, y) {
		return true
	}
	for _, strips := range s.enclosures {
		for _, r := range strips {
			if r.ContainsPoint(x, y) {
				return true
			}
		}
	}
	return false
}

func (s *Synth) CheckRect(q Rect) bool {
	if q.Empty() {
		return false
	}
	minX := int(math.Floor(q.X / s.cellSize))
	minY := int(math.Floor(q.Y / s.cellSize))
	maxX := int(math.Floor((q.X + q.W) / s.cellSize))
	maxY := int(math.Floor((q.Y + q.H) / s.cellSize))
	span := (maxX - minX + 1) * (maxY - minY + 1)
	if span > len(s.cells) {
		for _, r := range s.cells {
			if r.Overlaps(q) {
				return true
			}
		}
	} else {
		for y := minY; y <= maxY; y++ {
			for x := minX; x <= maxX; x++ {
				if r, ok := s.cells[grid.Cell{X: x, Y: y}]; ok && r.Overlaps(q) {
					return true
				}
			}
		}
	}
	for _, strips := range s.enclosures {
		for _, r := range strips {
			if r.Overlaps(q) {
				return true
			}
		}
	}
	return false
}

// Clone returns an independent copy for read-only publication.
func (s *Synth) Clone() *Synth {
	out := &Synth{
		cellSize:   s.cellSize,
		depth:      s.depth,
		cells:      make(map[grid.Cell]Rect, len(s.cells)),
		enclosures: make(map[string][4]Rect, len(s.enclosures)),
	}
	for k, v := range s.cells {
		out.cells[k] = v
	}
	for k, v := range s.enclosures {
		out.enclosures[k] = v
	}
	return out
}

// Equal compares the derived geometry of two synthesizers.
func (s *Synth) Equal(o *Synth) bool {
	if len(s.cells) != len(o.cells) || len(s.enclosures) != len(o.enclosures) {
		return false
	}
	for k, v := range s.cells {
		if ov, ok := o.cells[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range s.enclosures {
		if ov, ok := o.enclosures[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Rects lists every rectangle, cells first (row-major) then enclosure strips
// ordered by enclosure id.
func (s *Synth) Rects() []Rect {
	cells := make([]grid.Cell, 0, len(s.cells))
	for c := range s.cells {
		cells = append(cells, c)
	}
	grid.SortCells(cells)
	out := make([]Rect, 0, len(s.cells)+4*len(s.enclosures))
	for _, c := range cells {
		out = append(out, s.cells[c])
	}
	ids := make([]string, 0, len(s.enclosures))
	for id := range s.enclosures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		strips := s.enclosures[id]
		out = append(out, strips[:]...)
	}
	return out
}
