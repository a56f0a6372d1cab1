package engine

import (
	"fmt"

	auditlog "fencecraft.ai/internal/persistence/log"
	"fencecraft.ai/internal/sim/fence/fenceerr"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/fence/store"
)

type RemoteKind uint8

const (
	RemotePlace RemoteKind = iota + 1
	RemoteRemove
)

func (k RemoteKind) String() string {
	switch k {
	case RemotePlace:
		return "PLACE"
	case RemoteRemove:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// RemoteOp is a placement or removal replicated from another participant.
type RemoteOp struct {
	Kind        RemoteKind
	Actor       string
	StructureID string
	Cell        grid.Cell
	// Variant is what the sender saw; the local variant is always re-inferred.
	Variant  string
	Material string
	Owner    string
}

// RemoteResult tells the relay whether the op changed anything. Applied is
// false for the benign no-ops.
type RemoteResult struct {
	Applied bool
	Piece   store.Piece
}

// ApplyRemote applies one replicated op. It is lenient where local edits are
// strict: a place onto an occupied cell, a place of an already-known
// structure id and a remove of an absent piece are no-ops. Blocked cells and
// ownership (in multiplayer) are still enforced. Local materials are never
// touched.
func (e *Engine) ApplyRemote(op RemoteOp) (RemoteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := auditlog.AuditEntry{
		Actor:       op.Actor,
		Action:      op.Kind.String(),
		Remote:      true,
		Cell:        [2]int{op.Cell.X, op.Cell.Y},
		Material:    op.Material,
		StructureID: op.StructureID,
	}
	var (
		res RemoteResult
		err error
	)
	switch op.Kind {
	case RemotePlace:
		res, err = e.remotePlaceLocked(op)
	case RemoteRemove:
		res, err = e.remoteRemoveLocked(op)
	default:
		err = fmt.Errorf("remote op kind %d: %w", op.Kind, fenceerr.ErrCorruptRecord)
	}
	if res.Applied {
		e.publishLocked()
		entry.Variant = res.Piece.Variant.String()
	}
	if err != nil || res.Applied {
		e.auditLocked(entry, err)
	}
	return res, err
}

func (e *Engine) remotePlaceLocked(op RemoteOp) (RemoteResult, error) {
	if e.grid.IsOccupied(op.Cell) {
		return RemoteResult{}, nil
	}
	if _, dup := e.store.FindByStructureID(op.StructureID); dup {
		return RemoteResult{}, nil
	}
	if e.grid.IsBlocked(op.Cell) {
		return RemoteResult{}, fmt.Errorf("remote place %v: %w", op.Cell, fenceerr.ErrBlockedCell)
	}
	material := op.Material
	if material == "" {
		material = e.cfg.DefaultMaterial
	}
	owner := op.Owner
	if owner == "" {
		owner = op.Actor
	}
	p, err := e.store.Place(store.Piece{Cell: op.Cell, Owner: owner, Material: material, StructureID: op.StructureID})
	if err != nil {
		return RemoteResult{}, err
	}
	return RemoteResult{Applied: true, Piece: p}, nil
}

func (e *Engine) remoteRemoveLocked(op RemoteOp) (RemoteResult, error) {
	c := op.Cell
	if p, ok := e.store.FindByStructureID(op.StructureID); ok {
		c = p.Cell
	}
	if !e.grid.IsOccupied(c) {
		return RemoteResult{}, nil
	}
	p, err := e.val.Removal(e.world(), c, op.Actor)
	if err != nil {
		return RemoteResult{}, err
	}
	if _, err := e.store.Remove(c); err != nil {
		return RemoteResult{}, err
	}
	return RemoteResult{Applied: true, Piece: p}, nil
}
