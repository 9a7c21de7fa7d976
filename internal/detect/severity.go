package detect

import (
	"fmt"
	"strings"
)

// Severity grades how far an observation sits from expectation.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from normal (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) String() string { return string(s) }

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case SeverityNormal, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return s, nil
	}
	return "", fmt.Errorf("unknown severity %q", v)
}

// Severities lists all levels in ascending order.
func Severities() []Severity {
	return []Severity{SeverityNormal, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// SeverityCuts are the upper bounds (exclusive) of normal, low, medium and high.
type SeverityCuts struct {
	Low      float64 `mapstructure:"low"`
	Medium   float64 `mapstructure:"medium"`
	High     float64 `mapstructure:"high"`
	Critical float64 `mapstructure:"critical"`
}

// DefaultSeverityCuts returns 1.5 / 2.0 / 2.5 / 3.0.
func DefaultSeverityCuts() SeverityCuts {
	return SeverityCuts{Low: 1.5, Medium: 2.0, High: 2.5, Critical: 3.0}
}

// Classify maps an anomaly score onto a severity.
func (c SeverityCuts) Classify(score float64) Severity {
	switch {
	case score < c.Low:
		return SeverityNormal
	case score < c.Medium:
		return SeverityLow
	case score < c.High:
		return SeverityMedium
	case score < c.Critical:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Validate requires strictly ascending cut points.
func (c SeverityCuts) Validate() error {
	if !(c.Low < c.Medium && c.Medium < c.High && c.High < c.Critical) {
		return fmt.Errorf("severity cut points must be strictly ascending, got %.2f/%.2f/%.2f/%.2f", c.Low, c.Medium, c.High, c.Critical)
	}
	return nil
}
