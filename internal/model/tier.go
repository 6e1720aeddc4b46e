package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// AutonomyTier is an ordered permission level. Higher tiers may auto-execute
// more decision categories without human approval.
type AutonomyTier int

const (
	TierObserve  AutonomyTier = iota // L0
	TierLimited                      // L1
	TierStandard                     // L2
	TierElevated                     // L3
	TierFull                         // L4
)

var tierNames = [...]string{"observe", "limited", "standard", "elevated", "full"}

// Valid reports whether t is a known tier.
func (t AutonomyTier) Valid() bool {
	return t >= TierObserve && t <= TierFull
}

// String returns the short form, e.g. "L2".
func (t AutonomyTier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("L?(%d)", int(t))
	}
	return fmt.Sprintf("L%d", int(t))
}

// Name returns the descriptive name, e.g. "standard".
func (t AutonomyTier) Name() string {
	if !t.Valid() {
		return "unknown"
	}
	return tierNames[t]
}

// AtLeast returns true if t permits everything min permits.
func (t AutonomyTier) AtLeast(min AutonomyTier) bool {
	return t >= min
}

// Raise returns the tier n steps above t, capped at TierFull.
func (t AutonomyTier) Raise(n int) AutonomyTier {
	r := t + AutonomyTier(n)
	if r > TierFull {
		return TierFull
	}
	return r
}

// ParseTier accepts "L0".."L4" (case-insensitive) or a tier name.
func ParseTier(s string) (AutonomyTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == 2 && s[0] == 'l' && s[1] >= '0' && s[1] <= '4' {
		return AutonomyTier(s[1] - '0'), nil
	}
	for i, n := range tierNames {
		if s == n {
			return AutonomyTier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown autonomy tier %q", s)
}

func (t AutonomyTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *AutonomyTier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("autonomy tier must be a string: %w", err)
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t *AutonomyTier) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseTier(node.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
