package catalog

import "fencecraft.ai/internal/sim/fence/grid"

// Infer picks the variant for a cell from the occupancy of its 4 neighbors,
// indexed by grid.Dir. It is total over all 16 patterns.
//
// Straight runs do not record which side of a rectangle they are on: every
// horizontal run is Back and every vertical run is MiddleRight. Dead-end stubs
// take the edge variant whose orientation matches their single neighbor.
func Infer(mask [4]bool) Variant {
	n, e, s, w := mask[grid.North], mask[grid.East], mask[grid.South], mask[grid.West]
	switch {
	case !n && !e && !s && !w:
		return BackLeft

	case n && e && !s && !w:
		return BackLeft
	case n && w && !s && !e:
		return BackRight
	case s && w && !n && !e:
		return FrontRight
	case s && e && !n && !w:
		return FrontLeft

	case e && w && !n && !s:
		return Back
	case n && s && !e && !w:
		return MiddleRight

	case e && !n && !s && !w:
		return Back
	case w && !n && !s && !e:
		return Front
	case n && !e && !s && !w:
		return MiddleLeft
	case s && !n && !e && !w:
		return MiddleRight
	}
	return BackLeft
}

// InferAt is Infer over the grid's current occupancy around c.
func InferAt(g *grid.Index, c grid.Cell) Variant {
	return Infer(g.NeighborMask(c))
}
