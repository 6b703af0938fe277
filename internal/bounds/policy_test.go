package bounds

import (
	"strings"
	"testing"

	"github.com/autopilotd/autopilot/internal/types"
)

const samplePolicy = `
parameters:
  - path: selection_temperature
    hard_min: 0.1
    hard_max: 2.0
    min: 0.50
    max: 1.20
    current: 0.85
  - path: curator_budget_pct
    hard_min: 0.0
    hard_max: 1.0
    min: 0.10
    max: 0.60
    current: 0.30
`

func TestParsePolicySeedsManager(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, err := p.SeedManager(DefaultConfig())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	b, ok := m.Get("selection_temperature")
	if !ok {
		t.Fatal("selection_temperature not seeded")
	}
	if b.Min != 0.50 || b.Max != 1.20 || b.Current != 0.85 {
		t.Fatalf("unexpected seeded bounds: %+v", b)
	}
}

func TestParsePolicyRejectsInvertedBounds(t *testing.T) {
	bad := `
parameters:
  - path: broken
    hard_min: 1.0
    hard_max: 0.5
    min: 0.6
    max: 0.9
    current: 0.7
`
	if _, err := ParsePolicy([]byte(bad)); err == nil {
		t.Fatal("expected validation error for hard_max < hard_min")
	}
}

func TestParsePolicyRejectsDuplicatePaths(t *testing.T) {
	dup := samplePolicy + `
  - path: selection_temperature
    hard_min: 0.1
    hard_max: 2.0
    min: 0.50
    max: 1.20
    current: 0.85
`
	_, err := ParsePolicy([]byte(dup))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate-path error, got %v", err)
	}
}

func TestApplyConfirmedPatchesTightensHardBounds(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p.ApplyConfirmedPatches([]types.PatchSuggestion{{
		Path:             "curator_budget_pct",
		Category:         types.CategoryCanaryRollbacks,
		ContractFraction: 0.20,
	}})

	var e PolicyEntry
	for _, entry := range p.Parameters {
		if entry.Path == "curator_budget_pct" {
			e = entry
		}
	}
	// width 1.0, contract 20%: 0.10 off each side.
	if e.HardMin != 0.10 || e.HardMax != 0.90 {
		t.Fatalf("expected hard bounds [0.10,0.90], got [%v,%v]", e.HardMin, e.HardMax)
	}

	m, err := p.SeedManager(DefaultConfig())
	if err != nil {
		t.Fatalf("seed after patch: %v", err)
	}
	if _, ok := m.Get("curator_budget_pct"); !ok {
		t.Fatal("patched parameter not seeded")
	}
}

func TestApplyConfirmedPatchesSkipsUnknownPath(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p.ApplyConfirmedPatches([]types.PatchSuggestion{{Path: "nope", ContractFraction: 0.5}})
	if _, err := p.SeedManager(DefaultConfig()); err != nil {
		t.Fatalf("seed unchanged policy: %v", err)
	}
}
