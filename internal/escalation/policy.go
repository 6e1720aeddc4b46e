package escalation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/soji/internal/model"
)

// Policy is the escalation policy table plus the auto-action rate limit.
type Policy struct {
	// Tiers maps each decision category to the minimum tier allowed to
	// auto-execute it.
	Tiers     map[model.DecisionCategory]model.AutonomyTier `yaml:"tiers"`
	RateLimit RateLimit                                     `yaml:"rate_limit"`
	// RestrictedRaise is how many tiers a restricted space adds.
	RestrictedRaise int `yaml:"restricted_raise"`
}

// RateLimit caps auto-executions per agent inside a trailing window. Once an
// agent reaches MaxAutoActions, further decisions escalate regardless of
// tier. Zero disables the cap.
type RateLimit struct {
	MaxAutoActions int           `yaml:"max_auto_actions"`
	Window         time.Duration `yaml:"window"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[model.DecisionCategory]model.AutonomyTier{
			model.CategoryAssignTask:    model.TierStandard,
			model.CategoryStartCleaning: model.TierStandard,
			model.CategoryStopRobot:     model.TierElevated,
			model.CategoryRecallRobot:   model.TierElevated,
		},
		RateLimit: RateLimit{
			MaxAutoActions: 20,
			Window:         time.Hour,
		},
		RestrictedRaise: 1,
	}
}

// LoadPolicy reads a YAML policy. Categories missing from the file keep
// their default tier.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Policy{}, fmt.Errorf("escalation: read policy: %w", err)
	}
	return ParsePolicy(raw)
}

// policyFile is the on-disk shape. Pointers tell an absent key from an
// explicit zero, which disables the cap or the raise.
type policyFile struct {
	Tiers     map[model.DecisionCategory]model.AutonomyTier `yaml:"tiers"`
	RateLimit *struct {
		MaxAutoActions *int           `yaml:"max_auto_actions"`
		Window         *time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`
	RestrictedRaise *int `yaml:"restricted_raise"`
}

// ParsePolicy decodes and validates a YAML policy document. Keys the
// document omits keep their default.
func ParsePolicy(raw []byte) (Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var file policyFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("escalation: parse policy: %w", err)
	}

	p := DefaultPolicy()
	for cat, tier := range file.Tiers {
		p.Tiers[cat] = tier
	}
	if rl := file.RateLimit; rl != nil {
		if rl.MaxAutoActions != nil {
			p.RateLimit.MaxAutoActions = *rl.MaxAutoActions
		}
		if rl.Window != nil {
			p.RateLimit.Window = *rl.Window
		}
	}
	if file.RestrictedRaise != nil {
		p.RestrictedRaise = *file.RestrictedRaise
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks that every tier is known and the rate limit is coherent.
func (p Policy) Validate() error {
	var errs []error
	for cat, tier := range p.Tiers {
		if !knownCategory(cat) {
			errs = append(errs, fmt.Errorf("unknown decision category %q", cat))
		}
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("category %s: invalid tier %d", cat, int(tier)))
		}
	}
	if p.RateLimit.MaxAutoActions < 0 {
		errs = append(errs, errors.New("rate_limit.max_auto_actions must be >= 0"))
	}
	if p.RateLimit.MaxAutoActions > 0 && p.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive when max_auto_actions is set"))
	}
	if p.RestrictedRaise < 0 {
		errs = append(errs, errors.New("restricted_raise must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("escalation: invalid policy: %w", err)
	}
	return nil
}

func knownCategory(c model.DecisionCategory) bool {
	switch c {
	case model.CategoryAssignTask, model.CategoryStartCleaning,
		model.CategoryStopRobot, model.CategoryRecallRobot:
		return true
	}
	return false
}
