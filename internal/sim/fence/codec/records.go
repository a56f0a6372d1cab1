package codec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fencecraft.ai/internal/sim/fence/catalog"
	"fencecraft.ai/internal/sim/fence/fenceerr"
)

type BoundsRecord struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// PieceRecord positions are world units (the cell's minimum corner).
type PieceRecord struct {
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Variant     string  `json:"variant"`
	Owner       *string `json:"owner"`
	Material    string  `json:"material,omitempty"`
	StructureID string  `json:"structure_id,omitempty"`
}

// EnclosureRecord is one persisted structure: a complete enclosure, or the
// synthetic aggregate of every incomplete piece (Complete=false).
type EnclosureRecord struct {
	ID        string        `json:"id,omitempty"`
	Complete  bool          `json:"complete,omitempty"`
	Bounds    BoundsRecord  `json:"bounds"`
	Material  string        `json:"material"`
	Owner     *string       `json:"owner"`
	CreatedAt int64         `json:"created_at"` // unix milliseconds
	Pieces    []PieceRecord `json:"pieces"`
}

// Validate applies the integrity rules: positive bounds, positive timestamp,
// a variant on every piece. Complete records must also span at least 2x2.
func Validate(rec EnclosureRecord) error {
	if rec.Bounds.W <= 0 || rec.Bounds.H <= 0 {
		return fmt.Errorf("bounds %dx%d: %w", rec.Bounds.W, rec.Bounds.H, fenceerr.ErrCorruptRecord)
	}
	if rec.Complete && (rec.Bounds.W < 2 || rec.Bounds.H < 2) {
		return fmt.Errorf("enclosure bounds %dx%d: %w", rec.Bounds.W, rec.Bounds.H, fenceerr.ErrInvalidBounds)
	}
	if rec.CreatedAt <= 0 {
		return fmt.Errorf("created_at %d: %w", rec.CreatedAt, fenceerr.ErrCorruptRecord)
	}
	for i, p := range rec.Pieces {
		if p.Variant == "" {
			return fmt.Errorf("piece %d at %d,%d has no variant: %w", i, p.X, p.Y, fenceerr.ErrCorruptRecord)
		}
		if _, ok := catalog.ParseVariant(p.Variant); !ok {
			return fmt.Errorf("piece %d at %d,%d variant %q: %w", i, p.X, p.Y, p.Variant, fenceerr.ErrCorruptRecord)
		}
	}
	return nil
}

//go:embed schemas/structure_record.schema.json
var recordSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func recordSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("structure_record.schema.json", recordSchemaJSON)
	})
	return schema, schemaErr
}

// DecodeRecord checks raw JSON against the record schema before decoding it.
// Any failure is reported as ErrCorruptRecord.
func DecodeRecord(raw []byte) (EnclosureRecord, error) {
	var rec EnclosureRecord
	s, err := recordSchema()
	if err != nil {
		return rec, fmt.Errorf("record schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return rec, fmt.Errorf("%v: %w", err, fenceerr.ErrCorruptRecord)
	}
	if err := s.Validate(doc); err != nil {
		return rec, fmt.Errorf("%v: %w", err, fenceerr.ErrCorruptRecord)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("%v: %w", err, fenceerr.ErrCorruptRecord)
	}
	return rec, nil
}

func EncodeRecord(rec EnclosureRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func ownerPtr(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}

func ownerVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
