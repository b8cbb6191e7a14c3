package critical

import (
	"errors"
	"strings"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// Basis names what an evaluation was decided on.
type Basis string

const (
	BasisCatalog Basis = "catalog"
	BasisRange   Basis = "reference_range"
	BasisFlag    Basis = "analyzer_flag"
	BasisNone    Basis = "none"
)

// Evaluation is the outcome of checking one result.
type Evaluation struct {
	Severity lab.Severity
	Numeric  bool
	Value    float64
	Low      *float64
	High     *float64
	Basis    Basis
}

// ErrNoResult is returned when Evaluate is called without a result.
var ErrNoResult = errors.New("no result to evaluate")

// Evaluate classifies a result. Configured limits take precedence over the
// reference range reported with the result; the analyzer's abnormal flag can
// only raise the severity, never lower it.
func Evaluate(res *lab.Result, limits *Limits) (Evaluation, error) {
	if res == nil {
		return Evaluation{}, ErrNoResult
	}
	if limits != nil {
		if err := limits.Validate(); err != nil {
			return Evaluation{}, err
		}
	}

	ev := Evaluation{Severity: lab.SeverityNormal, Basis: BasisNone}
	value, numeric := ParseValue(res.Value)
	if numeric {
		ev.Numeric = true
		ev.Value = value
		ev = evaluateNumeric(ev, res, limits)
	}

	if fromFlag := FlagSeverity(res.AbnormalFlag); rank(fromFlag) > rank(ev.Severity) {
		ev.Severity = fromFlag
		ev.Basis = BasisFlag
	}
	return ev, nil
}

func evaluateNumeric(ev Evaluation, res *lab.Result, limits *Limits) Evaluation {
	if limits != nil {
		if limits.CriticalLow != nil && ev.Value < *limits.CriticalLow {
			ev.Severity, ev.Basis = lab.SeverityCriticalLow, BasisCatalog
			ev.Low, ev.High = limits.CriticalLow, limits.CriticalHigh
			return ev
		}
		if limits.CriticalHigh != nil && ev.Value > *limits.CriticalHigh {
			ev.Severity, ev.Basis = lab.SeverityCriticalHigh, BasisCatalog
			ev.Low, ev.High = limits.CriticalLow, limits.CriticalHigh
			return ev
		}
	}

	low, high, basis := referenceBounds(res, limits)
	ev.Low, ev.High = low, high
	if basis == BasisNone {
		return ev
	}
	ev.Basis = basis
	switch {
	case low != nil && ev.Value < *low:
		ev.Severity = lab.SeverityAbnormalLow
	case high != nil && ev.Value > *high:
		ev.Severity = lab.SeverityAbnormalHigh
	}
	return ev
}

func referenceBounds(res *lab.Result, limits *Limits) (*float64, *float64, Basis) {
	if limits != nil && (limits.ReferenceLow != nil || limits.ReferenceHigh != nil) {
		return limits.ReferenceLow, limits.ReferenceHigh, BasisCatalog
	}
	if low, high, ok := ParseRange(res.ReferenceRange); ok {
		return low, high, BasisRange
	}
	return nil, nil, BasisNone
}

// FlagSeverity maps an analyzer abnormal flag to a severity. "A" carries no
// direction and is reported as abnormal-high.
func FlagSeverity(flag string) lab.Severity {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "HH", "PH", ">", "CH", "PANIC", "PANIC_HIGH":
		return lab.SeverityCriticalHigh
	case "LL", "PL", "<", "CL", "PANIC_LOW":
		return lab.SeverityCriticalLow
	case "H":
		return lab.SeverityAbnormalHigh
	case "L":
		return lab.SeverityAbnormalLow
	case "A", "AA":
		return lab.SeverityAbnormalHigh
	default:
		return lab.SeverityNormal
	}
}

func rank(s lab.Severity) int {
	switch {
	case s.Critical():
		return 2
	case s.Abnormal():
		return 1
	default:
		return 0
	}
}
