package engine

import (
	"fmt"

	"fencecraft.ai/internal/sim/fence/fenceerr"
)

// Submit applies op as op.Actor's own edit, with the same checks as Place and
// Remove: placements are validated and consume material, removals check
// ownership and refund. The relay uses it for edits a participant sends about
// itself; ApplyRemote stays the path for edits relayed from elsewhere.
//
// A PLACE whose structure id already stands at op.Cell for op.Actor is a
// retransmission and reports Applied=false. A REMOVE names its piece by
// structure id when the id is known, by cell otherwise.
func (e *Engine) Submit(op RemoteOp) (RemoteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch op.Kind {
	case RemotePlace:
		if op.StructureID != "" {
			if p, ok := e.store.FindByStructureID(op.StructureID); ok {
				if p.Cell == op.Cell && p.Owner == op.Actor {
					return RemoteResult{Piece: p}, nil
				}
				return RemoteResult{}, fmt.Errorf("structure id %q stands at %v: %w", op.StructureID, p.Cell, fenceerr.ErrOccupiedCell)
			}
		}
		p, err := e.placeLocked(op.Cell, op.Material, op.Actor, op.StructureID)
		if err != nil {
			return RemoteResult{}, err
		}
		return RemoteResult{Applied: true, Piece: p}, nil
	case RemoteRemove:
		c := op.Cell
		if op.StructureID != "" {
			if p, ok := e.store.FindByStructureID(op.StructureID); ok {
				c = p.Cell
			}
		}
		p, err := e.removeLocked(c, op.Actor)
		if err != nil {
			return RemoteResult{}, err
		}
		return RemoteResult{Applied: true, Piece: p}, nil
	}
	return RemoteResult{}, fmt.Errorf("op kind %d: %w", op.Kind, fenceerr.ErrCorruptRecord)
}
