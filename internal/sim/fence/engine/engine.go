// Package engine is the fence structure engine: one mutation lock around the
// grid, the structure store and the collision synthesizer, plus an immutable
// view republished after every mutation for lock-free readers.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"

	auditlog "fencecraft.ai/internal/persistence/log"
	"fencecraft.ai/internal/sim/fence/codec"
	"fencecraft.ai/internal/sim/fence/collision"
	"fencecraft.ai/internal/sim/fence/fenceerr"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/fence/store"
	"fencecraft.ai/internal/sim/fence/validate"
)

// MaterialProvider is the inventory the engine draws from and refunds to.
type MaterialProvider interface {
	HasEnough(material string, count int) bool
	Consume(material string, count int) error
	Return(material string, count int)
	Count(material string) int
}

type AuditSink interface {
	WriteAudit(e auditlog.AuditEntry) error
}

type Config struct {
	CellSize   float64
	DepthRatio float64
	// Multiplayer enables ownership checks on removal and the adjacency rule
	// on placement.
	Multiplayer     bool
	Adjacency       validate.AdjacencyRule
	DefaultMaterial string
	Blocked         []grid.Cell

	Logger *log.Logger
	Audit  AuditSink
	Now    func() time.Time
	NewID  func() string
}

type Engine struct {
	cfg   Config
	log   *log.Logger
	mats  MaterialProvider
	codec codec.Codec
	val   validate.Validator

	mu    deadlock.Mutex
	grid  *grid.Index
	store *store.Store
	coll  *collision.Synth
	seq   uint64

	view atomic.Pointer[View]
}

// New builds an engine. mats may be nil, in which case placements are free
// and removals refund nothing.
func New(cfg Config, mats MaterialProvider) *Engine {
	if cfg.CellSize <= 0 {
		cfg.CellSize = grid.DefaultCellSize
	}
	if cfg.DepthRatio <= 0 {
		cfg.DepthRatio = collision.DefaultDepthRatio
	}
	if cfg.DefaultMaterial == "" {
		cfg.DefaultMaterial = codec.DefaultMaterial
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}

	e := &Engine{
		cfg:  cfg,
		log:  lg,
		mats: mats,
		val:  validate.Validator{Multiplayer: cfg.Multiplayer, Adjacency: cfg.Adjacency},
		codec: codec.Codec{
			DefaultMaterial: cfg.DefaultMaterial,
			Now:             cfg.Now,
			Logger:          lg,
		},
		grid: grid.New(cfg.CellSize),
		coll: collision.New(cfg.CellSize, cfg.DepthRatio),
	}
	e.store = store.New(e.grid,
		store.WithObserver(e.coll),
		store.WithClock(cfg.Now),
		store.WithIDs(cfg.NewID),
	)
	for _, c := range cfg.Blocked {
		e.grid.SetBlocked(c)
	}

	e.mu.Lock()
	e.publishLocked()
	e.mu.Unlock()
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// View returns the latest published state. It never blocks.
func (e *Engine) View() *View { return e.view.Load() }

func (e *Engine) QueryPiece(c grid.Cell) (store.Piece, bool) { return e.View().PieceAt(c) }
func (e *Engine) AllPieces() map[grid.Cell]store.Piece       { return e.View().Pieces() }
func (e *Engine) Enclosures() []store.Enclosure              { return e.View().Enclosures() }
func (e *Engine) CheckPoint(x, y float64) bool               { return e.View().CheckPoint(x, y) }
func (e *Engine) CheckRect(r collision.Rect) bool            { return e.View().CheckRect(r) }

// WorldToCell maps a world position onto the placement grid.
func (e *Engine) WorldToCell(x, y float64) grid.Cell { return e.grid.WorldToCell(x, y) }

// Place validates and places one piece of material at c for actor, then
// consumes one unit of material. If the consume fails after the pre-check
// passed, the piece is rolled back and ErrMaterialConsumptionFailed returned.
func (e *Engine) Place(c grid.Cell, material, actor string) (store.Piece, error) {
	return e.PlaceWithID(c, material, actor, "")
}

// PlaceWithID is Place with a caller-minted structure id; an empty id gets a
// fresh one.
func (e *Engine) PlaceWithID(c grid.Cell, material, actor, structureID string) (store.Piece, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placeLocked(c, material, actor, structureID)
}

func (e *Engine) placeLocked(c grid.Cell, material, actor, structureID string) (store.Piece, error) {
	if material == "" {
		material = e.cfg.DefaultMaterial
	}
	if structureID == "" {
		structureID = e.cfg.NewID()
	}

	entry := auditlog.AuditEntry{Actor: actor, Action: "PLACE", Cell: [2]int{c.X, c.Y}, Material: material, StructureID: structureID}
	var mats validate.Materials
	if e.mats != nil {
		mats = e.mats
	}
	if err := e.val.Placement(e.world(), mats, c, material, actor); err != nil {
		e.auditLocked(entry, err)
		return store.Piece{}, err
	}
	p, err := e.store.Place(store.Piece{Cell: c, Owner: actor, Material: material, StructureID: structureID})
	if err != nil {
		e.auditLocked(entry, err)
		return store.Piece{}, err
	}
	if e.mats != nil {
		if cerr := e.mats.Consume(material, validate.PieceCost); cerr != nil {
			if _, rerr := e.store.Remove(c); rerr != nil {
				e.log.Printf("rollback of %v failed: %v", c, rerr)
			}
			e.publishLocked()
			err := fmt.Errorf("place %v: %w: %v", c, fenceerr.ErrMaterialConsumptionFailed, cerr)
			e.auditLocked(entry, err)
			return store.Piece{}, err
		}
	}
	e.publishLocked()
	entry.Variant = p.Variant.String()
	e.auditLocked(entry, nil)
	return p, nil
}

// Remove validates and removes the piece at c for actor, refunding one unit
// of the piece's material.
func (e *Engine) Remove(c grid.Cell, actor string) (store.Piece, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(c, actor)
}

func (e *Engine) removeLocked(c grid.Cell, actor string) (store.Piece, error) {
	entry := auditlog.AuditEntry{Actor: actor, Action: "REMOVE", Cell: [2]int{c.X, c.Y}}
	p, err := e.val.Removal(e.world(), c, actor)
	if err != nil {
		e.auditLocked(entry, err)
		return store.Piece{}, err
	}
	if _, err := e.store.Remove(c); err != nil {
		e.auditLocked(entry, err)
		return store.Piece{}, err
	}
	if e.mats != nil && p.Material != "" {
		e.mats.Return(p.Material, validate.PieceCost)
	}
	e.publishLocked()
	entry.Variant = p.Variant.String()
	entry.Material = p.Material
	entry.StructureID = p.StructureID
	e.auditLocked(entry, nil)
	return p, nil
}

// Block reserves c for terrain. A piece already standing there stays.
func (e *Engine) Block(c grid.Cell) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grid.SetBlocked(c)
	e.publishLocked()
}

func (e *Engine) Unblock(c grid.Cell) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grid.SetUnblocked(c)
	e.publishLocked()
}

func (e *Engine) Serialize() []codec.EnclosureRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.codec.Serialize(e.store)
}

// Checkpoint serializes the structures together with the seq of the view
// they belong to.
func (e *Engine) Checkpoint() (uint64, []codec.EnclosureRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq, e.codec.Serialize(e.store)
}

// Restore replaces every structure with recs. Blocked cells are kept and
// material counts are untouched.
func (e *Engine) Restore(recs []codec.EnclosureRecord) codec.RestoreReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	rep := e.codec.Restore(e.store, recs)
	e.publishLocked()
	if rep.Errors > 0 {
		e.log.Printf("restore: %d records restored, %d skipped", rep.Restored, rep.Errors)
	}
	return rep
}

// Digest hashes the current structure content.
func (e *Engine) Digest() string { return codec.Digest(e.Serialize()) }

// CheckInvariants verifies the store invariants and that the live collision
// geometry equals a rebuild from the store.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.CheckInvariants(); err != nil {
		return err
	}
	fresh := collision.New(e.cfg.CellSize, e.cfg.DepthRatio)
	fresh.Rebuild(e.store.Pieces(), e.store.Enclosures())
	if !fresh.Equal(e.coll) {
		return errors.New("collision geometry is stale")
	}
	return nil
}

func (e *Engine) publishLocked() {
	e.seq++
	e.view.Store(&View{
		seq:        e.seq,
		pieces:     e.store.Pieces(),
		enclosures: e.store.Enclosures(),
		incomplete: e.store.IncompleteCells(),
		blocked:    e.grid.BlockedCells(),
		coll:       e.coll.Clone(),
	})
}

func (e *Engine) auditLocked(entry auditlog.AuditEntry, err error) {
	if e.cfg.Audit == nil {
		return
	}
	entry.Seq = e.seq
	entry.TimeMS = e.cfg.Now().UnixMilli()
	entry.OK = err == nil
	if err != nil {
		entry.Code = fenceerr.Code(err)
		entry.Reason = err.Error()
	}
	if werr := e.cfg.Audit.WriteAudit(entry); werr != nil {
		e.log.Printf("audit write failed: %v", werr)
	}
}

func (e *Engine) world() liveWorld { return liveWorld{g: e.grid, st: e.store} }

type liveWorld struct {
	g  *grid.Index
	st *store.Store
}

func (w liveWorld) IsOccupied(c grid.Cell) bool             { return w.g.IsOccupied(c) }
func (w liveWorld) IsBlocked(c grid.Cell) bool              { return w.g.IsBlocked(c) }
func (w liveWorld) PieceAt(c grid.Cell) (store.Piece, bool) { return w.st.PieceAt(c) }
