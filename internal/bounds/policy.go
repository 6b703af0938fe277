package bounds

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/autopilotd/autopilot/internal/types"
)

// MaxPolicySize caps the seed policy file at 1 MB. Protects against YAML
// bombs.
const MaxPolicySize = 1 << 20

// PolicyEntry is one parameter's seed record in the static policy file.
type PolicyEntry struct {
	Path    string  `yaml:"path" validate:"required"`
	HardMin float64 `yaml:"hard_min"`
	HardMax float64 `yaml:"hard_max" validate:"gtfield=HardMin"`
	Min     float64 `yaml:"min" validate:"gtefield=HardMin"`
	Max     float64 `yaml:"max" validate:"gtfield=Min,ltefield=HardMax"`
	Current float64 `yaml:"current" validate:"gtefield=Min,ltefield=Max"`
}

// Policy is the seed file shape: the full parameter table plus nothing
// else. Adaptive state (stability counters, rollback counters, locks)
// starts zeroed at every bootstrap.
type Policy struct {
	Parameters []PolicyEntry `yaml:"parameters" validate:"required,min=1,dive"`
}

// ParsePolicy parses and validates seed-policy bytes. Validation is two
// layers: YAML syntax, then structural validation via validator tags
// (cross-field ordering of hard/soft bounds and current).
func ParsePolicy(data []byte) (*Policy, error) {
	if len(data) > MaxPolicySize {
		return nil, fmt.Errorf("bounds: policy file exceeds %d bytes", MaxPolicySize)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bounds: policy YAML parse error: %w", err)
	}
	if err := validator.New().Struct(&p); err != nil {
		return nil, fmt.Errorf("bounds: policy validation: %w", err)
	}
	seen := make(map[string]bool, len(p.Parameters))
	for _, e := range p.Parameters {
		if seen[e.Path] {
			return nil, fmt.Errorf("bounds: duplicate policy entry for %q", e.Path)
		}
		seen[e.Path] = true
	}
	return &p, nil
}

// LoadPolicy reads and parses the seed policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bounds: reading policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ApplyConfirmedPatches adjusts a policy's static hard bounds by the
// operator-confirmed triage suggestions before seeding. A positive
// ContractFraction tightens the hard range symmetrically around its
// midpoint; a negative one loosens it. Suggestions for unknown paths are
// skipped.
func (p *Policy) ApplyConfirmedPatches(suggestions []types.PatchSuggestion) {
	byPath := make(map[string]*PolicyEntry, len(p.Parameters))
	for i := range p.Parameters {
		byPath[p.Parameters[i].Path] = &p.Parameters[i]
	}
	for _, s := range suggestions {
		e, ok := byPath[s.Path]
		if !ok {
			continue
		}
		width := e.HardMax - e.HardMin
		shift := s.ContractFraction * width / 2
		e.HardMin += shift
		e.HardMax -= shift
		if e.HardMin > e.HardMax {
			mid := (e.HardMin + e.HardMax) / 2
			e.HardMin, e.HardMax = mid, mid
		}
		if e.Min < e.HardMin {
			e.Min = e.HardMin
		}
		if e.Max > e.HardMax {
			e.Max = e.HardMax
		}
		if e.Current < e.Min {
			e.Current = e.Min
		}
		if e.Current > e.Max {
			e.Current = e.Max
		}
	}
}

// SeedManager builds a Manager from the policy, registering every entry.
func (p *Policy) SeedManager(cfg Config) (*Manager, error) {
	m := NewManager(cfg)
	for _, e := range p.Parameters {
		hard := HardBounds{Min: e.HardMin, Max: e.HardMax}
		if err := m.Seed(e.Path, hard, e.Min, e.Max, e.Current); err != nil {
			return nil, err
		}
	}
	return m, nil
}
