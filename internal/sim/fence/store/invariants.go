package store

import (
	"fmt"

	"fencecraft.ai/internal/sim/fence/catalog"
)

// CheckInvariants verifies occupancy/piece agreement, variant correctness,
// enclosure exactness and the enclosed/incomplete partition. It returns the
// first violation found.
func (s *Store) CheckInvariants() error {
	occupied := s.grid.OccupiedCells()
	if len(occupied) != len(s.pieces) {
		return fmt.Errorf("occupied cells=%d pieces=%d", len(occupied), len(s.pieces))
	}
	for _, c := range occupied {
		p, ok := s.pieces[c]
		if !ok {
			return fmt.Errorf("cell %v occupied without a piece", c)
		}
		if p.Cell != c {
			return fmt.Errorf("piece at %v records cell %v", c, p.Cell)
		}
		if want := catalog.InferAt(s.grid, c); p.Variant != want {
			return fmt.Errorf("cell %v variant=%s want %s", c, p.Variant, want)
		}
		_, enclosed := s.cellEnclosure[c]
		if enclosed == s.incomplete.Has(c) {
			return fmt.Errorf("cell %v enclosed=%v incomplete=%v", c, enclosed, s.incomplete.Has(c))
		}
	}
	if s.incomplete.Size()+len(s.cellEnclosure) != len(occupied) {
		return fmt.Errorf("partition sizes incomplete=%d enclosed=%d occupied=%d",
			s.incomplete.Size(), len(s.cellEnclosure), len(occupied))
	}
	for id, e := range s.enclosures {
		if e.ID != id {
			return fmt.Errorf("enclosure %s stored under %s", e.ID, id)
		}
		if len(e.Pieces) < MinEnclosurePieces {
			return fmt.Errorf("enclosure %s has %d pieces, below %d", id, len(e.Pieces), MinEnclosurePieces)
		}
		if !e.Complete() {
			return fmt.Errorf("enclosure %s over %+v is not an exact ring", id, e.Bounds)
		}
		for _, p := range e.Pieces {
			if s.cellEnclosure[p.Cell] != id {
				return fmt.Errorf("cell %v not mapped to enclosure %s", p.Cell, id)
			}
			if cur, ok := s.pieces[p.Cell]; !ok || cur != p {
				return fmt.Errorf("enclosure %s holds stale piece at %v", id, p.Cell)
			}
		}
	}
	return nil
}
