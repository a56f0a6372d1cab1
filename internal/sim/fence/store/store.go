// Package store owns the authoritative cell -> piece map, the completed
// enclosures and the incomplete cell set. It keeps the grid's occupancy,
// piece variants and the enclosed/incomplete partition consistent after every
// exported call. It is not safe for concurrent use; the engine serializes it.
package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zyedidia/generic/mapset"

	"fencecraft.ai/internal/sim/fence/catalog"
	"fencecraft.ai/internal/sim/fence/fenceerr"
	"fencecraft.ai/internal/sim/fence/grid"
)

type Store struct {
	grid *grid.Index

	pieces        map[grid.Cell]Piece
	enclosures    map[string]Enclosure
	cellEnclosure map[grid.Cell]string
	incomplete    mapset.Set[grid.Cell]

	obs   Observer
	now   func() time.Time
	newID func() string
}

type Option func(*Store)

func WithObserver(o Observer) Option        { return func(s *Store) { s.obs = o } }
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithIDs(newID func() string) Option    { return func(s *Store) { s.newID = newID } }

func New(g *grid.Index, opts ...Option) *Store {
	s := &Store{
		grid:          g,
		pieces:        map[grid.Cell]Piece{},
		enclosures:    map[string]Enclosure{},
		cellEnclosure: map[grid.Cell]string{},
		incomplete:    mapset.New[grid.Cell](),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Store) Grid() *grid.Index { return s.grid }

// SetObserver replaces the observer; nil disables notifications.
func (s *Store) SetObserver(o Observer) { s.obs = o }

func (s *Store) PieceAt(c grid.Cell) (Piece, bool) {
	p, ok := s.pieces[c]
	return p, ok
}

func (s *Store) Len() int { return len(s.pieces) }

// Pieces returns a copy of the cell -> piece map.
func (s *Store) Pieces() map[grid.Cell]Piece {
	out := make(map[grid.Cell]Piece, len(s.pieces))
	for c, p := range s.pieces {
		out[c] = p
	}
	return out
}

// Enclosures returns the enclosures ordered by creation time, then id.
func (s *Store) Enclosures() []Enclosure {
	out := make([]Enclosure, 0, len(s.enclosures))
	for _, e := range s.enclosures {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) EnclosureAt(c grid.Cell) (Enclosure, bool) {
	id, ok := s.cellEnclosure[c]
	if !ok {
		return Enclosure{}, false
	}
	return s.enclosures[id].clone(), true
}

func (s *Store) IsEnclosed(c grid.Cell) bool {
	_, ok := s.cellEnclosure[c]
	return ok
}

func (s *Store) IncompleteCells() []grid.Cell {
	out := make([]grid.Cell, 0, s.incomplete.Size())
	s.incomplete.Each(func(c grid.Cell) { out = append(out, c) })
	grid.SortCells(out)
	return out
}

func (s *Store) EnclosedCells() []grid.Cell {
	out := make([]grid.Cell, 0, len(s.cellEnclosure))
	for c := range s.cellEnclosure {
		out = append(out, c)
	}
	grid.SortCells(out)
	return out
}

// FindByStructureID looks a piece up by the id minted by its placing client.
func (s *Store) FindByStructureID(id string) (Piece, bool) {
	if id == "" {
		return Piece{}, false
	}
	for _, p := range s.pieces {
		if p.StructureID == id {
			return p, true
		}
	}
	return Piece{}, false
}

// Place puts p at p.Cell, re-types the cell and its neighbors and runs
// enclosure detection from the cell. The caller's Variant is ignored. The
// returned piece is the one stored once every re-typing has settled.
func (s *Store) Place(p Piece) (Piece, error) {
	c := p.Cell
	if s.grid.IsOccupied(c) {
		return Piece{}, fmt.Errorf("place %v: %w", c, fenceerr.ErrOccupiedCell)
	}
	p.X, p.Y = s.grid.CellToWorld(c)
	s.grid.SetOccupied(c)
	p.Variant = catalog.InferAt(s.grid, c)
	s.pieces[c] = p
	s.incomplete.Put(c)
	s.notifyPiece(p)

	s.retypeAround(c)
	s.detectFrom(c)
	return s.pieces[c], nil
}

// Remove takes the piece at c away. An enclosure containing c is destroyed
// and its other members return to the incomplete set; components touching c
// are then re-checked, since dropping a stub can leave an exact ring behind.
func (s *Store) Remove(c grid.Cell) (Piece, error) {
	p, ok := s.pieces[c]
	if !ok {
		return Piece{}, fmt.Errorf("remove %v: %w", c, fenceerr.ErrNoPieceAtCell)
	}
	if id, ok := s.cellEnclosure[c]; ok {
		s.retract(id)
	}
	delete(s.pieces, c)
	s.incomplete.Remove(c)
	s.grid.SetUnoccupied(c)
	s.notifyRemoved(c)

	for _, n := range s.grid.AdjacentOccupied(c) {
		s.retype(n)
	}
	for _, n := range s.grid.AdjacentOccupied(c) {
		s.detectFrom(n)
	}
	return p, nil
}

// Insert stores p exactly as given, without re-typing or detection. It is the
// restore path; Rebuild must follow once every piece is in.
func (s *Store) Insert(p Piece) error {
	c := p.Cell
	if s.grid.IsOccupied(c) {
		return fmt.Errorf("insert %v: %w", c, fenceerr.ErrOccupiedCell)
	}
	if !p.Variant.Valid() {
		return fmt.Errorf("insert %v: variant %d: %w", c, p.Variant, fenceerr.ErrCorruptRecord)
	}
	p.X, p.Y = s.grid.CellToWorld(c)
	s.grid.SetOccupied(c)
	s.pieces[c] = p
	s.incomplete.Put(c)
	s.notifyPiece(p)
	return nil
}

// AdoptEnclosure re-creates a known enclosure over b from the cells its
// record held. Restore uses it to keep enclosure ids and timestamps across a
// round trip. The ring is adopted only if members are exactly its perimeter,
// it is at least MinEnclosurePieces long, and none of its cells is already
// enclosed. Interior pieces from other records are allowed: a piece placed
// inside a standing ring never dissolved it.
func (s *Store) AdoptEnclosure(id string, b grid.Bounds, members []grid.Cell, material, owner string, createdAt time.Time) (Enclosure, bool) {
	cells, ok := s.exactRing(b)
	if !ok || len(cells) < MinEnclosurePieces || !sameCells(cells, members) {
		return Enclosure{}, false
	}
	if _, taken := s.enclosures[id]; taken || id == "" {
		id = s.newID()
	}
	e := s.materialize(id, b, cells)
	e.Material = material
	e.Owner = owner
	e.CreatedAt = createdAt
	s.commit(e)
	return e, true
}

func sameCells(ring, members []grid.Cell) bool {
	if len(ring) != len(members) {
		return false
	}
	want := make(map[grid.Cell]struct{}, len(ring))
	for _, c := range ring {
		want[c] = struct{}{}
	}
	for _, c := range members {
		if _, ok := want[c]; !ok {
			return false
		}
		delete(want, c)
	}
	return len(want) == 0
}

// Rebuild re-types every piece and re-detects enclosures among cells that are
// not already enclosed.
func (s *Store) Rebuild() {
	s.RetypeAll()
	s.DetectAll()
}

func (s *Store) RetypeAll() {
	for _, c := range s.grid.OccupiedCells() {
		s.retype(c)
	}
}

// DetectAll runs detection from every incomplete cell and returns the
// enclosures it created.
func (s *Store) DetectAll() []Enclosure {
	var out []Enclosure
	for _, c := range s.IncompleteCells() {
		if e, ok := s.detectFrom(c); ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// Clear removes everything, notifying the observer.
func (s *Store) Clear() {
	for _, e := range s.Enclosures() {
		s.retract(e.ID)
	}
	for _, c := range s.grid.OccupiedCells() {
		delete(s.pieces, c)
		s.incomplete.Remove(c)
		s.grid.SetUnoccupied(c)
		s.notifyRemoved(c)
	}
}

func (s *Store) retypeAround(c grid.Cell) {
	s.retype(c)
	for _, n := range s.grid.AdjacentOccupied(c) {
		s.retype(n)
	}
}

func (s *Store) retype(c grid.Cell) {
	p, ok := s.pieces[c]
	if !ok {
		return
	}
	v := catalog.InferAt(s.grid, c)
	if v == p.Variant {
		return
	}
	np := p.WithVariant(v)
	s.pieces[c] = np
	if id, ok := s.cellEnclosure[c]; ok {
		e := s.enclosures[id].clone()
		for i := range e.Pieces {
			if e.Pieces[i].Cell == c {
				e.Pieces[i] = np
			}
		}
		s.enclosures[id] = e
	}
	s.notifyPiece(np)
}

// component is the 4-connected occupied region containing start, in BFS order.
func (s *Store) component(start grid.Cell) []grid.Cell {
	seen := map[grid.Cell]struct{}{start: {}}
	queue := []grid.Cell{start}
	for qi := 0; qi < len(queue); qi++ {
		for _, n := range s.grid.AdjacentOccupied(queue[qi]) {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	return queue
}

func (s *Store) detectFrom(c grid.Cell) (Enclosure, bool) {
	if !s.grid.IsOccupied(c) || s.IsEnclosed(c) {
		return Enclosure{}, false
	}
	comp := s.component(c)
	if len(comp) < MinEnclosurePieces {
		return Enclosure{}, false
	}
	b := grid.BoundsOf(comp)
	want, err := catalog.PerimeterLength(b.W, b.H)
	if err != nil || len(comp) != want {
		return Enclosure{}, false
	}
	for _, cc := range comp {
		if s.IsEnclosed(cc) || b.Interior(cc) {
			return Enclosure{}, false
		}
	}
	cells, ok := s.exactRing(b)
	if !ok {
		return Enclosure{}, false
	}
	e := s.materialize(s.newID(), b, cells)
	pieceMaterials := make([]string, 0, len(e.Pieces))
	for _, p := range e.Pieces {
		pieceMaterials = append(pieceMaterials, p.Material)
	}
	e.Material = dominant(pieceMaterials)
	e.Owner = sharedOwner(e.Pieces)
	e.CreatedAt = s.now().UTC()
	s.commit(e)
	return e, true
}

// exactRing reports whether every perimeter cell of b holds a piece that is
// not yet enclosed. Interior occupancy is the detector's concern: a piece
// dropped inside a standing ring does not make it a member.
func (s *Store) exactRing(b grid.Bounds) ([]grid.Cell, bool) {
	if _, err := catalog.PerimeterLength(b.W, b.H); err != nil {
		return nil, false
	}
	cells := b.PerimeterCells()
	for _, c := range cells {
		if !s.grid.IsOccupied(c) || s.IsEnclosed(c) {
			return nil, false
		}
	}
	return cells, true
}

func (s *Store) materialize(id string, b grid.Bounds, cells []grid.Cell) Enclosure {
	e := Enclosure{ID: id, Bounds: b, Pieces: make([]Piece, 0, len(cells))}
	for _, c := range cells {
		e.Pieces = append(e.Pieces, s.pieces[c])
	}
	return e
}

func (s *Store) commit(e Enclosure) {
	s.enclosures[e.ID] = e
	for _, p := range e.Pieces {
		s.cellEnclosure[p.Cell] = e.ID
		s.incomplete.Remove(p.Cell)
	}
	if s.obs != nil {
		s.obs.EnclosureAdded(e.clone())
	}
}

func (s *Store) retract(id string) {
	e, ok := s.enclosures[id]
	if !ok {
		return
	}
	delete(s.enclosures, id)
	for _, p := range e.Pieces {
		delete(s.cellEnclosure, p.Cell)
		if s.grid.IsOccupied(p.Cell) {
			s.incomplete.Put(p.Cell)
		}
	}
	if s.obs != nil {
		s.obs.EnclosureRemoved(id)
	}
}

func (s *Store) notifyPiece(p Piece) {
	if s.obs != nil {
		s.obs.PieceChanged(p)
	}
}

func (s *Store) notifyRemoved(c grid.Cell) {
	if s.obs != nil {
		s.obs.PieceRemoved(c)
	}
}
