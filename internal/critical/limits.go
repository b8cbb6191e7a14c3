// Package critical evaluates results against reference and critical limits.
package critical

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Limits are the thresholds configured for one test. Nil bounds are open.
type Limits struct {
	TestCode      string   `mapstructure:"test_code" json:"test_code"`
	Sex           string   `mapstructure:"sex" json:"sex,omitempty"`
	ReferenceLow  *float64 `mapstructure:"reference_low" json:"reference_low,omitempty"`
	ReferenceHigh *float64 `mapstructure:"reference_high" json:"reference_high,omitempty"`
	CriticalLow   *float64 `mapstructure:"critical_low" json:"critical_low,omitempty"`
	CriticalHigh  *float64 `mapstructure:"critical_high" json:"critical_high,omitempty"`
}

// ErrInvalidLimits is returned for limits whose bounds cross.
var ErrInvalidLimits = errors.New("invalid limits")

// Validate checks that low bounds do not exceed high bounds.
func (l Limits) Validate() error {
	if l.ReferenceLow != nil && l.ReferenceHigh != nil && *l.ReferenceLow > *l.ReferenceHigh {
		return fmt.Errorf("%s: reference low above high: %w", l.TestCode, ErrInvalidLimits)
	}
	if l.CriticalLow != nil && l.CriticalHigh != nil && *l.CriticalLow > *l.CriticalHigh {
		return fmt.Errorf("%s: critical low above high: %w", l.TestCode, ErrInvalidLimits)
	}
	return nil
}

// Float is a helper to create pointers to float64 literals
func Float(f float64) *float64 {
	return &f
}

// Catalog holds Limits per test code, optionally split by patient sex.
type Catalog struct {
	mu     sync.RWMutex
	limits map[string][]Limits
}

// NewCatalog creates a catalog from the given limits.
func NewCatalog(limits ...Limits) (*Catalog, error) {
	c := &Catalog{limits: make(map[string][]Limits)}
	for _, l := range limits {
		if err := c.Set(l); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Set adds or replaces limits for a test code and sex.
func (c *Catalog) Set(l Limits) error {
	if l.TestCode == "" {
		return fmt.Errorf("test code required: %w", ErrInvalidLimits)
	}
	if err := l.Validate(); err != nil {
		return err
	}
	l.TestCode = strings.ToUpper(l.TestCode)
	l.Sex = normalizeSex(l.Sex)

	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.limits[l.TestCode]
	for i := range entries {
		if entries[i].Sex == l.Sex {
			entries[i] = l
			return nil
		}
	}
	c.limits[l.TestCode] = append(entries, l)
	return nil
}

// Lookup returns the sex-specific limits for a test, falling back to the
// limits configured for any sex.
func (c *Catalog) Lookup(testCode, sex string) (Limits, bool) {
	if c == nil {
		return Limits{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := c.limits[strings.ToUpper(testCode)]
	sex = normalizeSex(sex)
	var fallback *Limits
	for i := range entries {
		switch entries[i].Sex {
		case sex:
			if sex != "" {
				return entries[i], true
			}
			fallback = &entries[i]
		case "":
			fallback = &entries[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Limits{}, false
}

func normalizeSex(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	default:
		return ""
	}
}

// ParseRange parses a reference range string such as "70-110", "<5", "<=5",
// ">1" or "3.5 - 5.1". It reports false when the text is not a numeric range.
func ParseRange(s string) (low, high *float64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, false
	}
	switch {
	case strings.HasPrefix(s, "<"):
		v, err := parseNumber(strings.TrimLeft(s, "<="))
		if err != nil {
			return nil, nil, false
		}
		return nil, &v, true
	case strings.HasPrefix(s, ">"):
		v, err := parseNumber(strings.TrimLeft(s, ">="))
		if err != nil {
			return nil, nil, false
		}
		return &v, nil, true
	}

	// A leading minus belongs to the low bound.
	sep := strings.Index(s[1:], "-")
	if sep < 0 {
		return nil, nil, false
	}
	sep++
	lo, err := parseNumber(s[:sep])
	if err != nil {
		return nil, nil, false
	}
	hi, err := parseNumber(s[sep+1:])
	if err != nil || lo > hi {
		return nil, nil, false
	}
	return &lo, &hi, true
}

// ParseValue parses a result value. Qualified values such as "<0.01" or
// ">500" are read as their bound.
func ParseValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "<>=")
	v, err := parseNumber(s)
	return v, err == nil
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", ".")
	return strconv.ParseFloat(s, 64)
}
