package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"fencecraft.ai/internal/sim/fence/grid"
)

func TestLoadRepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.CellSize != 64 || !tu.EnforceOwner || tu.StarterMaterials["WOOD"] != 256 {
		t.Fatalf("unexpected tuning: %+v", tu)
	}
	blocked := tu.Blocked()
	if len(blocked) != 2 || blocked[1] != (grid.Cell{X: 100, Y: 101}) {
		t.Fatalf("blocked: %v", blocked)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("cell_size: 32\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Defaults()
	if tu.CellSize != 32 || tu.EdgeDepthRatio != def.EdgeDepthRatio || tu.Snapshots != def.Snapshots {
		t.Fatalf("got %+v", tu)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"zero cell":   "cell_size: 0\n",
		"fractional":  "cell_size: 62.5\n",
		"old proto":   "protocol_version: \"0.9\"\n",
		"deep edge":   "edge_depth_ratio: 0.9\n",
		"no material": "default_material: \"\"\n",
		"negative":    "starter_materials: {WOOD: -1}\n",
		"not yaml":    "cell_size: [\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "tuning.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
