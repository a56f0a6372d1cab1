// Package catalog enumerates the fence piece variants and the pure functions
// over them: corner/edge partition, atlas coordinates, neighbor inference and
// rectangle planning.
package catalog

import (
	"fmt"

	"fencecraft.ai/internal/sim/fence/fenceerr"
	"fencecraft.ai/internal/sim/fence/grid"
)

type Variant uint8

const (
	VariantNone Variant = iota
	BackLeft
	Back
	BackRight
	MiddleRight
	FrontRight
	Front
	FrontLeft
	MiddleLeft
)

// All lists the 8 variants clockwise from the back-left corner.
var All = [8]Variant{BackLeft, Back, BackRight, MiddleRight, FrontRight, Front, FrontLeft, MiddleLeft}

var variantNames = map[Variant]string{
	BackLeft:    "BackLeft",
	Back:        "Back",
	BackRight:   "BackRight",
	MiddleRight: "MiddleRight",
	FrontRight:  "FrontRight",
	Front:       "Front",
	FrontLeft:   "FrontLeft",
	MiddleLeft:  "MiddleLeft",
}

func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return "None"
}

func (v Variant) Valid() bool {
	_, ok := variantNames[v]
	return ok
}

func ParseVariant(s string) (Variant, bool) {
	for v, name := range variantNames {
		if name == s {
			return v, true
		}
	}
	return VariantNone, false
}

func (v Variant) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid variant %d", v)
	}
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(b []byte) error {
	p, ok := ParseVariant(string(b))
	if !ok {
		return fmt.Errorf("unknown variant %q", string(b))
	}
	*v = p
	return nil
}

func (v Variant) IsCorner() bool {
	switch v {
	case BackLeft, BackRight, FrontRight, FrontLeft:
		return true
	}
	return false
}

func (v Variant) IsEdge() bool {
	switch v {
	case Back, MiddleRight, Front, MiddleLeft:
		return true
	}
	return false
}

// Side is the face of the cell an edge piece stands on.
type Side int

const (
	SideNone Side = iota
	SideBack
	SideRight
	SideFront
	SideLeft
)

// Facing returns the side an edge variant faces; corners face SideNone.
// Back is the minimum-Y side of the cell.
func (v Variant) Facing() Side {
	switch v {
	case Back:
		return SideBack
	case MiddleRight:
		return SideRight
	case Front:
		return SideFront
	case MiddleLeft:
		return SideLeft
	}
	return SideNone
}

// AtlasCoord is passed through to the renderer untouched.
type AtlasCoord struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

var atlas = map[Variant]AtlasCoord{
	BackLeft:    {0, 0},
	Back:        {1, 0},
	BackRight:   {2, 0},
	MiddleLeft:  {0, 1},
	MiddleRight: {2, 1},
	FrontLeft:   {0, 2},
	Front:       {1, 2},
	FrontRight:  {2, 2},
}

func (v Variant) Atlas() AtlasCoord { return atlas[v] }

// PerimeterLength is the piece count of a complete w x h enclosure.
func PerimeterLength(w, h int) (int, error) {
	if w < 2 || h < 2 {
		return 0, fmt.Errorf("%dx%d: %w", w, h, fenceerr.ErrInvalidBounds)
	}
	return 2*(w+h) - 4, nil
}

type PlannedPiece struct {
	Cell    grid.Cell
	Variant Variant
}

// RectanglePieces plans the pieces of a complete enclosure over b, clockwise
// from the back-left corner, with the variant each cell settles into once the
// ring is closed.
func RectanglePieces(b grid.Bounds) ([]PlannedPiece, error) {
	if _, err := PerimeterLength(b.W, b.H); err != nil {
		return nil, err
	}
	cells := b.PerimeterCells()
	set := make(map[grid.Cell]struct{}, len(cells))
	for _, c := range cells {
		set[c] = struct{}{}
	}
	out := make([]PlannedPiece, 0, len(cells))
	for _, c := range cells {
		var mask [4]bool
		for d := grid.North; d <= grid.West; d++ {
			_, mask[d] = set[c.Neighbor(d)]
		}
		out = append(out, PlannedPiece{Cell: c, Variant: Infer(mask)})
	}
	return out, nil
}
