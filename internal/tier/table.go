// Package tier quantizes memory estimates onto an ordered set of execution
// tiers.
//
// The canonical table applies the 1.2x buffer first and then selects the
// smallest tier whose capacity covers the buffered requirement:
//
//	lightweight   1 GB   t3a.micro
//	executor      2 GB   t3a.small
//	build         8 GB   t3a.large   (default)
//	test         16 GB   t3a.xlarge
//	heavytest    32 GB   t3a.2xlarge
//
// A raw estimate of 1.0 GB buffers to 1.2 GB and lands on executor; 9.6 GB
// buffers to 11.52 GB and lands on test.
package tier

import (
	"fmt"
	"math"
	"sort"

	"github.com/hochfrequenz/node-sizer/internal/domain"
)

// BufferMargin is the headroom multiplier applied before thresholding
const BufferMargin = 1.2

// DefaultTierName is the tier used for unknown tier lookups
const DefaultTierName = "build"

// DefaultTiers returns the canonical tier table
func DefaultTiers() []domain.Tier {
	return []domain.Tier{
		{Name: "lightweight", CapacityGB: 1, HourlyCost: 0.0094, ExecutorSlots: 1, Instance: "t3a.micro"},
		{Name: "executor", CapacityGB: 2, HourlyCost: 0.0188, ExecutorSlots: 1, Instance: "t3a.small"},
		{Name: "build", CapacityGB: 8, HourlyCost: 0.0752, ExecutorSlots: 2, Instance: "t3a.large"},
		{Name: "test", CapacityGB: 16, HourlyCost: 0.1504, ExecutorSlots: 4, Instance: "t3a.xlarge"},
		{Name: "heavytest", CapacityGB: 32, HourlyCost: 0.3008, ExecutorSlots: 8, Instance: "t3a.2xlarge"},
	}
}

// Table is an immutable, capacity-ordered tier set
type Table struct {
	tiers  []domain.Tier
	byName map[string]int
	dflt   int
}

// NewTable validates tiers and orders them by capacity. An empty
// defaultName selects DefaultTierName when present, else the smallest tier.
func NewTable(tiers []domain.Tier, defaultName string) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table is empty")
	}

	sorted := make([]domain.Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CapacityGB < sorted[j].CapacityGB
	})

	t := &Table{
		tiers:  sorted,
		byName: make(map[string]int, len(sorted)),
	}
	for i, tr := range sorted {
		if tr.Name == "" {
			return nil, fmt.Errorf("tier %d has no name", i)
		}
		if _, dup := t.byName[tr.Name]; dup {
			return nil, fmt.Errorf("duplicate tier name %q", tr.Name)
		}
		if !(tr.CapacityGB > 0) || math.IsInf(tr.CapacityGB, 0) {
			return nil, fmt.Errorf("tier %q: capacity must be a positive number, got %v", tr.Name, tr.CapacityGB)
		}
		if i > 0 && sorted[i-1].CapacityGB == tr.CapacityGB {
			return nil, fmt.Errorf("tiers %q and %q share capacity %v GB", sorted[i-1].Name, tr.Name, tr.CapacityGB)
		}
		if tr.HourlyCost < 0 {
			return nil, fmt.Errorf("tier %q: hourly cost must not be negative", tr.Name)
		}
		if tr.ExecutorSlots < 1 {
			return nil, fmt.Errorf("tier %q: executor slots must be at least 1", tr.Name)
		}
		t.byName[tr.Name] = i
	}

	switch {
	case defaultName != "":
		idx, ok := t.byName[defaultName]
		if !ok {
			return nil, fmt.Errorf("default tier %q is not in the table", defaultName)
		}
		t.dflt = idx
	default:
		if idx, ok := t.byName[DefaultTierName]; ok {
			t.dflt = idx
		}
	}

	return t, nil
}

// MustDefault returns the canonical table
func MustDefault() *Table {
	t, err := NewTable(DefaultTiers(), DefaultTierName)
	if err != nil {
		panic(err)
	}
	return t
}

// Required applies the buffer margin to a raw memory estimate.
// Negative or NaN estimates count as zero.
func Required(memoryGB float64) float64 {
	if !(memoryGB > 0) {
		return 0
	}
	return memoryGB * BufferMargin
}

// Classify picks the tier for an estimate
func (t *Table) Classify(est domain.Estimate) domain.Tier {
	return t.ForRequirement(Required(est.MemoryGB))
}

// ForRequirement returns the smallest tier whose capacity covers required,
// or the largest tier when none does.
func (t *Table) ForRequirement(required float64) domain.Tier {
	idx := sort.Search(len(t.tiers), func(i int) bool {
		return t.tiers[i].CapacityGB >= required
	})
	if idx == len(t.tiers) {
		idx = len(t.tiers) - 1
	}
	return t.tiers[idx]
}

// Lookup returns the named tier or ErrUnknownTier
func (t *Table) Lookup(name string) (domain.Tier, error) {
	idx, ok := t.byName[name]
	if !ok {
		return domain.Tier{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, name)
	}
	return t.tiers[idx], nil
}

// Resolve returns the named tier, falling back to the default tier
func (t *Table) Resolve(name string) domain.Tier {
	if tr, err := t.Lookup(name); err == nil {
		return tr
	}
	return t.Default()
}

// CapacityOf returns the capacity of the named tier, or the default tier's
func (t *Table) CapacityOf(name string) float64 {
	return t.Resolve(name).CapacityGB
}

// Cost estimates the cost of running for the given minutes on the named tier
func (t *Table) Cost(name string, minutes float64) float64 {
	if minutes <= 0 {
		return 0
	}
	return t.Resolve(name).HourlyCost * minutes / 60
}

// Default returns the fallback tier
func (t *Table) Default() domain.Tier {
	return t.tiers[t.dflt]
}

// Largest returns the highest-capacity tier
func (t *Table) Largest() domain.Tier {
	return t.tiers[len(t.tiers)-1]
}

// Tiers returns the tiers in ascending capacity order
func (t *Table) Tiers() []domain.Tier {
	out := make([]domain.Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}
