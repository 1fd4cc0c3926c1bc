package codesign

import (
	"fmt"
	"regexp"
)

// PathRule flags.
const (
	RuleOptional  = 0x01
	RuleOmitted   = 0x02
	RuleNested    = 0x04
	RuleExclusion = 0x10
	RuleTop       = 0x20
)

// PathRule is one entry of a CodeResources rules dictionary.
type PathRule struct {
	Pattern string
	Flags   int
	Weight  float64

	re *regexp.Regexp
}

// nullPathRule is returned when no rule matches.
var nullPathRule = &PathRule{}

// NewPathRule compiles pattern and reads properties, which is either a
// bool (false omits the path) or a dictionary with optional, omit, nested,
// exclude, top and weight keys. Matching is case insensitive and anchored
// at the start of the path.
func NewPathRule(pattern string, properties interface{}) (*PathRule, error) {
	re, err := regexp.Compile("(?i)^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule %q: %w", pattern, err)
	}
	r := &PathRule{Pattern: pattern, re: re}

	switch props := properties.(type) {
	case nil:
	case bool:
		if !props {
			r.Flags |= RuleOmitted
		}
	case map[string]interface{}:
		for key, value := range props {
			switch key {
			case "optional":
				r.setFlag(RuleOptional, value)
			case "omit":
				r.setFlag(RuleOmitted, value)
			case "nested":
				r.setFlag(RuleNested, value)
			case "exclude":
				r.setFlag(RuleExclusion, value)
			case "top":
				r.setFlag(RuleTop, value)
			case "weight":
				w, ok := toFloat(value)
				if !ok {
					return nil, fmt.Errorf("rule %q: weight %v is not a number", pattern, value)
				}
				r.Weight = w
			}
		}
	default:
		return nil, fmt.Errorf("rule %q: unsupported properties type %T", pattern, properties)
	}
	return r, nil
}

func (r *PathRule) setFlag(flag int, value interface{}) {
	if b, ok := value.(bool); ok && b {
		r.Flags |= flag
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func (r *PathRule) IsOptional() bool  { return r.Flags&RuleOptional != 0 }
func (r *PathRule) IsOmitted() bool   { return r.Flags&RuleOmitted != 0 }
func (r *PathRule) IsNested() bool    { return r.Flags&RuleNested != 0 }
func (r *PathRule) IsExclusion() bool { return r.Flags&RuleExclusion != 0 }
func (r *PathRule) IsTop() bool       { return r.Flags&RuleTop != 0 }

// Matches reports whether the relative path matches the rule.
func (r *PathRule) Matches(path string) bool {
	if r.re == nil {
		return false
	}
	return r.re.MatchString(path)
}

func (r *PathRule) String() string {
	return fmt.Sprintf("PathRule:%d:%g", r.Flags, r.Weight)
}
