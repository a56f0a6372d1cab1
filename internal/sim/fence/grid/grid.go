// Package grid maps world coordinates onto the integer placement grid and
// tracks which cells are occupied or externally blocked. It knows nothing
// about pieces.
package grid

import (
	"fmt"
	"math"
	"sort"

	"github.com/zyedidia/generic/mapset"

	"fencecraft.ai/internal/sim/mathx"
)

const DefaultCellSize = 64

type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) Add(dx, dy int) Cell { return Cell{X: c.X + dx, Y: c.Y + dy} }

func (c Cell) String() string { return fmt.Sprintf("%d,%d", c.X, c.Y) }

// Dir indexes the four orthogonal neighbors. North is +Y (toward the front
// row of a structure), East is +X.
type Dir int

const (
	North Dir = iota
	East
	South
	West
)

var dirOffsets = [4][2]int{
	North: {0, 1},
	East:  {1, 0},
	South: {0, -1},
	West:  {-1, 0},
}

func (c Cell) Neighbor(d Dir) Cell {
	o := dirOffsets[d]
	return c.Add(o[0], o[1])
}

func (d Dir) String() string {
	switch d {
	case North:
		return "N"
	case East:
		return "E"
	case South:
		return "S"
	case West:
		return "W"
	}
	return "?"
}

type Index struct {
	cellSize float64
	occupied mapset.Set[Cell]
	blocked  mapset.Set[Cell]
}

func New(cellSize float64) *Index {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Index{
		cellSize: cellSize,
		occupied: mapset.New[Cell](),
		blocked:  mapset.New[Cell](),
	}
}

func (g *Index) CellSize() float64 { return g.cellSize }

func (g *Index) WorldToCell(x, y float64) Cell {
	return Cell{
		X: int(math.Floor(x / g.cellSize)),
		Y: int(math.Floor(y / g.cellSize)),
	}
}

// WorldToCellInt is WorldToCell for integral world positions (persisted piece
// entries are stored that way).
func (g *Index) WorldToCellInt(x, y int) Cell {
	size := int(g.cellSize)
	if float64(size) != g.cellSize || size <= 0 {
		return g.WorldToCell(float64(x), float64(y))
	}
	return Cell{X: mathx.FloorDiv(x, size), Y: mathx.FloorDiv(y, size)}
}

// CellToWorld returns the cell's minimum corner.
func (g *Index) CellToWorld(c Cell) (float64, float64) {
	return float64(c.X) * g.cellSize, float64(c.Y) * g.cellSize
}

func (g *Index) IsOccupied(c Cell) bool { return g.occupied.Has(c) }
func (g *Index) IsBlocked(c Cell) bool  { return g.blocked.Has(c) }

func (g *Index) IsValidPlacement(c Cell) bool {
	return !g.IsOccupied(c) && !g.IsBlocked(c)
}

func (g *Index) SetOccupied(c Cell)   { g.occupied.Put(c) }
func (g *Index) SetUnoccupied(c Cell) { g.occupied.Remove(c) }
func (g *Index) SetBlocked(c Cell)    { g.blocked.Put(c) }
func (g *Index) SetUnblocked(c Cell)  { g.blocked.Remove(c) }

// ClearOccupied drops every occupied mark; blocked cells are kept since they
// belong to terrain, not structures.
func (g *Index) ClearOccupied() { g.occupied = mapset.New[Cell]() }

func (g *Index) OccupiedCount() int { return g.occupied.Size() }

func (g *Index) OccupiedCells() []Cell {
	out := make([]Cell, 0, g.occupied.Size())
	g.occupied.Each(func(c Cell) { out = append(out, c) })
	SortCells(out)
	return out
}

func (g *Index) BlockedCells() []Cell {
	out := make([]Cell, 0, g.blocked.Size())
	g.blocked.Each(func(c Cell) { out = append(out, c) })
	SortCells(out)
	return out
}

// Adjacent returns the 4 orthogonal neighbors in N, E, S, W order.
func Adjacent(c Cell) [4]Cell {
	return [4]Cell{c.Neighbor(North), c.Neighbor(East), c.Neighbor(South), c.Neighbor(West)}
}

func Diagonal(c Cell) [4]Cell {
	return [4]Cell{c.Add(1, 1), c.Add(1, -1), c.Add(-1, -1), c.Add(-1, 1)}
}

func (g *Index) AdjacentOccupied(c Cell) []Cell {
	out := make([]Cell, 0, 4)
	for _, n := range Adjacent(c) {
		if g.IsOccupied(n) {
			out = append(out, n)
		}
	}
	return out
}

// NeighborMask reports occupancy of the 4 neighbors indexed by Dir.
func (g *Index) NeighborMask(c Cell) [4]bool {
	var m [4]bool
	for d := North; d <= West; d++ {
		m[d] = g.IsOccupied(c.Neighbor(d))
	}
	return m
}

func Manhattan(a, b Cell) int {
	return mathx.AbsInt(a.X-b.X) + mathx.AbsInt(a.Y-b.Y)
}

func Euclidean(a, b Cell) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

func IsAdjacent(a, b Cell) bool { return Manhattan(a, b) == 1 }

// SortCells orders cells row-major (Y, then X).
func SortCells(cells []Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
}
