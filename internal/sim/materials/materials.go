// Package materials is a counted material inventory that satisfies the fence
// engine's material provider.
package materials

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotEnough = errors.New("not enough material")

type Inventory struct {
	mu     sync.Mutex
	counts map[string]int
}

func New(starter map[string]int) *Inventory {
	inv := &Inventory{counts: map[string]int{}}
	for item, n := range starter {
		if item != "" && n > 0 {
			inv.counts[item] = n
		}
	}
	return inv
}

func (inv *Inventory) Count(material string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.counts[material]
}

func (inv *Inventory) HasEnough(material string, count int) bool {
	if count <= 0 {
		return true
	}
	return inv.Count(material) >= count
}

func (inv *Inventory) Consume(material string, count int) error {
	if count <= 0 {
		return nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	have := inv.counts[material]
	if have < count {
		return fmt.Errorf("consume %d %s (have %d): %w", count, material, have, ErrNotEnough)
	}
	DeductItems(inv.counts, map[string]int{material: count})
	return nil
}

func (inv *Inventory) Return(material string, count int) {
	if material == "" || count <= 0 {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.counts[material] += count
}

// Snapshot returns a copy of the positive counts.
func (inv *Inventory) Snapshot() map[string]int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make(map[string]int, len(inv.counts))
	for k, v := range inv.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func DeductItems(inv map[string]int, cost map[string]int) {
	for item, c := range cost {
		if item == "" || c <= 0 {
			continue
		}
		inv[item] -= c
		if inv[item] <= 0 {
			delete(inv, item)
		}
	}
}

// EncodeItemPairs renders counts as sorted [item, count] pairs for the wire.
func EncodeItemPairs(m map[string]int) [][]interface{} {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, []interface{}{k, m[k]})
	}
	return out
}
