package sensor

import (
	"fmt"
	"strings"
)

// Op is a comparison applied by a [Condition].
type Op string

// Supported comparison operators.
const (
	OpBelow   Op = "below"    // value < threshold
	OpAbove   Op = "above"    // value > threshold
	OpAtMost  Op = "at_most"  // value <= threshold
	OpAtLeast Op = "at_least" // value >= threshold
	OpEqual   Op = "equal"    // value == threshold
)

// Condition assigns Status to a value when the comparison holds.
type Condition struct {
	Status    Status  `yaml:"status" json:"status"`
	Op        Op      `yaml:"op" json:"op"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Matches reports whether v satisfies the condition.
func (c Condition) Matches(v float64) bool {
	switch c.Op {
	case OpBelow:
		return v < c.Threshold
	case OpAbove:
		return v > c.Threshold
	case OpAtMost:
		return v <= c.Threshold
	case OpAtLeast:
		return v >= c.Threshold
	case OpEqual:
		return v == c.Threshold
	default:
		return false
	}
}

// Validate checks that the condition has a known operator and a status
// other than Safe (Safe is the fallthrough, never a match result).
func (c Condition) Validate() error {
	switch c.Op {
	case OpBelow, OpAbove, OpAtMost, OpAtLeast, OpEqual:
	default:
		return fmt.Errorf("unknown op %q (valid: below, above, at_most, at_least, equal)", c.Op)
	}
	switch c.Status {
	case StatusWarning, StatusUnsafe, StatusUnknown:
	default:
		return fmt.Errorf("condition status must be WARNING, UNSAFE or UNKNOWN, got %q", c.Status)
	}
	return nil
}

// Rule is an ordered list of conditions for one sensor kind. The first
// matching condition decides the status; no match means Safe.
type Rule []Condition

// Classify applies the rule to v.
func (r Rule) Classify(v float64) Status {
	for _, c := range r {
		if c.Matches(v) {
			return c.Status
		}
	}
	return StatusSafe
}

// Rules maps each sensor kind to its threshold rule. Kinds without an
// entry classify as [StatusUnknown].
type Rules map[Kind]Rule

// DefaultRules returns a fresh copy of the built-in threshold table.
func DefaultRules() Rules {
	return Rules{
		KindTemperature: {
			{Status: StatusUnsafe, Op: OpBelow, Threshold: 10},
			{Status: StatusUnsafe, Op: OpAbove, Threshold: 30},
			{Status: StatusWarning, Op: OpBelow, Threshold: 15},
			{Status: StatusWarning, Op: OpAbove, Threshold: 25},
		},
		KindHumidity: {
			{Status: StatusUnsafe, Op: OpBelow, Threshold: 30},
			{Status: StatusUnsafe, Op: OpAbove, Threshold: 70},
			{Status: StatusWarning, Op: OpBelow, Threshold: 40},
			{Status: StatusWarning, Op: OpAbove, Threshold: 60},
		},
		// Carbon monoxide, ppm.
		KindGas: {
			{Status: StatusUnsafe, Op: OpAbove, Threshold: 50},
			{Status: StatusWarning, Op: OpAtLeast, Threshold: 35},
		},
		// 1 means motion detected in a restricted area.
		KindMotion: {
			{Status: StatusUnsafe, Op: OpEqual, Threshold: 1},
		},
	}
}

// Classify returns the status for value under the rule registered for
// kind. It is pure: identical inputs always give identical output.
func (rs Rules) Classify(kind Kind, value float64) Status {
	rule, ok := rs[kind]
	if !ok {
		return StatusUnknown
	}
	return rule.Classify(value)
}

// With returns a copy of rs with the given per-kind overrides applied.
// An override replaces the whole rule for its kind. Kind names are
// matched case-insensitively against the built-in kinds.
func (rs Rules) With(overrides map[string]Rule) Rules {
	out := make(Rules, len(rs)+len(overrides))
	for k, r := range rs {
		out[k] = r
	}
	for name, r := range overrides {
		kind, _ := ParseKind(name)
		out[kind] = r
	}
	return out
}

// Validate checks every condition in the table.
func (rs Rules) Validate() error {
	for kind, rule := range rs {
		if len(rule) == 0 {
			return fmt.Errorf("rule for %s has no conditions", kind)
		}
		for i, c := range rule {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("rule for %s, condition %d: %w", kind, i, err)
			}
		}
	}
	return nil
}

// defaultRules backs the package-level [Classify].
var defaultRules = DefaultRules()

// Classify classifies value with the built-in threshold table.
func Classify(kind Kind, value float64) Status {
	return defaultRules.Classify(kind, value)
}

// ParseStatus resolves a case-insensitive status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusSafe, StatusWarning, StatusUnsafe, StatusUnknown:
		return st, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown status %q", s)
	}
}
