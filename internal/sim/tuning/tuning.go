// Package tuning loads the fence server's tunables from YAML.
package tuning

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"fencecraft.ai/internal/protocol"
	"fencecraft.ai/internal/sim/fence/grid"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	CellSize        float64 `yaml:"cell_size"`
	EdgeDepthRatio  float64 `yaml:"edge_depth_ratio"`
	EnforceOwner    bool    `yaml:"enforce_ownership"`
	DefaultMaterial string  `yaml:"default_material"`

	StarterMaterials map[string]int `yaml:"starter_materials"`
	BlockedCells     [][2]int       `yaml:"blocked_cells"`

	Snapshots  Snapshots  `yaml:"snapshots"`
	RateLimits RateLimits `yaml:"rate_limits"`
}

type Snapshots struct {
	IntervalSec int `yaml:"interval_sec"`
	Keep        int `yaml:"keep"`
}

type RateLimits struct {
	EditsPerSec float64 `yaml:"edits_per_sec"`
	EditBurst   int     `yaml:"edit_burst"`
	QueueSize   int     `yaml:"queue_size"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:  protocol.Version,
		CellSize:         64,
		EdgeDepthRatio:   0.2,
		EnforceOwner:     false,
		DefaultMaterial:  "WOOD",
		StarterMaterials: map[string]int{"WOOD": 64},
		Snapshots:        Snapshots{IntervalSec: 60, Keep: 10},
		RateLimits:       RateLimits{EditsPerSec: 20, EditBurst: 40, QueueSize: 64},
	}
}

// Load reads path over Defaults(); keys missing from the file keep their
// default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Validate rejects values the server cannot run with. Cell sizes must be
// whole world units: structure records store integer world positions.
func (t Tuning) Validate() error {
	switch {
	case t.ProtocolVersion != protocol.Version:
		return fmt.Errorf("protocol_version %q, this build speaks %q", t.ProtocolVersion, protocol.Version)
	case t.CellSize <= 0:
		return fmt.Errorf("cell_size must be > 0, got %v", t.CellSize)
	case t.CellSize != math.Trunc(t.CellSize):
		return fmt.Errorf("cell_size must be a whole number, got %v", t.CellSize)
	case t.EdgeDepthRatio <= 0 || t.EdgeDepthRatio > 0.5:
		return fmt.Errorf("edge_depth_ratio must be in (0, 0.5], got %v", t.EdgeDepthRatio)
	case t.DefaultMaterial == "":
		return fmt.Errorf("default_material is empty")
	case t.Snapshots.IntervalSec < 0 || t.Snapshots.Keep < 0:
		return fmt.Errorf("snapshots: negative interval or keep")
	}
	for item, n := range t.StarterMaterials {
		if n < 0 {
			return fmt.Errorf("starter_materials[%s] is negative", item)
		}
	}
	return nil
}

func (t Tuning) Blocked() []grid.Cell {
	out := make([]grid.Cell, 0, len(t.BlockedCells))
	for _, c := range t.BlockedCells {
		out = append(out, grid.Cell{X: c[0], Y: c[1]})
	}
	return out
}
