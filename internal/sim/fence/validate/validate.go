// Package validate decides whether a placement or removal may proceed. It
// never mutates anything; callers mutate only after a nil result.
package validate

import (
	"fmt"

	"fencecraft.ai/internal/sim/fence/fenceerr"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/fence/store"
)

// World is the read side the checks need.
type World interface {
	IsOccupied(c grid.Cell) bool
	IsBlocked(c grid.Cell) bool
	PieceAt(c grid.Cell) (store.Piece, bool)
}

// Materials is the availability half of the material provider.
type Materials interface {
	Count(material string) int
	HasEnough(material string, count int) bool
}

// AdjacencyRule judges whether actor may build next to the given pieces.
type AdjacencyRule func(actor string, neighbors []store.Piece) error

// AllowAnyAdjacency is the current shared-session rule: building next to
// anyone's pieces is fine.
func AllowAnyAdjacency(string, []store.Piece) error { return nil }

type Validator struct {
	// Multiplayer turns on the ownership checks.
	Multiplayer bool
	Adjacency   AdjacencyRule
}

const PieceCost = 1

// Placement checks, in order: occupied, blocked, material, adjacency
// ownership (multiplayer only). The first failure wins.
func (v Validator) Placement(w World, mats Materials, c grid.Cell, material, actor string) error {
	if w.IsOccupied(c) {
		return fmt.Errorf("place %v: %w", c, fenceerr.ErrOccupiedCell)
	}
	if w.IsBlocked(c) {
		return fmt.Errorf("place %v: %w", c, fenceerr.ErrBlockedCell)
	}
	if mats != nil && !mats.HasEnough(material, PieceCost) {
		return fmt.Errorf("place %v: %w", c, &fenceerr.InsufficientMaterialError{
			Material:  material,
			Required:  PieceCost,
			Available: mats.Count(material),
		})
	}
	if v.Multiplayer {
		rule := v.Adjacency
		if rule == nil {
			rule = AllowAnyAdjacency
		}
		var neighbors []store.Piece
		for _, n := range grid.Adjacent(c) {
			if p, ok := w.PieceAt(n); ok {
				neighbors = append(neighbors, p)
			}
		}
		if err := rule(actor, neighbors); err != nil {
			return fmt.Errorf("place %v: %w", c, err)
		}
	}
	return nil
}

// Removal checks that a piece exists and, in multiplayer, that it is unowned
// or owned by actor. An empty actor never matches an owned piece.
func (v Validator) Removal(w World, c grid.Cell, actor string) (store.Piece, error) {
	p, ok := w.PieceAt(c)
	if !ok {
		return store.Piece{}, fmt.Errorf("remove %v: %w", c, fenceerr.ErrNoPieceAtCell)
	}
	if v.Multiplayer && p.Owned() && p.Owner != actor {
		return store.Piece{}, fmt.Errorf("remove %v owned by %q: %w", c, p.Owner, fenceerr.ErrNotOwner)
	}
	return p, nil
}
