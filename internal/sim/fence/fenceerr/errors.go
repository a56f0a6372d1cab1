// Package fenceerr holds the error taxonomy shared by the fence engine
// packages. Every failure is a value; none of these are ever panicked.
package fenceerr

import (
	"errors"
	"fmt"

	"fencecraft.ai/internal/protocol"
)

var (
	ErrOccupiedCell              = errors.New("cell is occupied")
	ErrBlockedCell               = errors.New("cell is blocked")
	ErrInsufficientMaterial      = errors.New("insufficient material")
	ErrNotOwner                  = errors.New("piece is owned by another actor")
	ErrNoPieceAtCell             = errors.New("no piece at cell")
	ErrInvalidBounds             = errors.New("invalid bounds")
	ErrCorruptRecord             = errors.New("corrupt record")
	ErrMaterialConsumptionFailed = errors.New("material consumption failed")
)

// InsufficientMaterialError reports the shortfall found by the pre-check.
type InsufficientMaterialError struct {
	Material  string
	Required  int
	Available int
}

func (e *InsufficientMaterialError) Error() string {
	return fmt.Sprintf("insufficient material %q: required %d, available %d", e.Material, e.Required, e.Available)
}

func (e *InsufficientMaterialError) Is(target error) bool { return target == ErrInsufficientMaterial }

// Code maps an engine error onto the wire error codes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOccupiedCell):
		return protocol.ErrConflict
	case errors.Is(err, ErrBlockedCell):
		return protocol.ErrBlocked
	case errors.Is(err, ErrInsufficientMaterial), errors.Is(err, ErrMaterialConsumptionFailed):
		return protocol.ErrNoResource
	case errors.Is(err, ErrNotOwner):
		return protocol.ErrNoPermission
	case errors.Is(err, ErrNoPieceAtCell):
		return protocol.ErrInvalidTarget
	case errors.Is(err, ErrInvalidBounds), errors.Is(err, ErrCorruptRecord):
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}
