package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades an alert by how many dimensions crossed their thresholds.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

// SeverityForCount maps 1..4 exceeded dimensions to LOW..CRITICAL.
func SeverityForCount(n int) (Severity, bool) {
	if n < 1 || n > len(Dimensions) {
		return 0, false
	}
	return Severity(n), true
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("unknown severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name, case-insensitively.
func (s *Severity) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for sev, n := range severityNames {
		if n == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

// Alert is emitted once per firing evaluation and consumed by the broadcast path.
type Alert struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"`
	Score     CoherenceScore `json:"score"`
	Severity  Severity       `json:"severity"`
	Exceeded  []Dimension    `json:"exceeded"`
	Timestamp time.Time      `json:"timestamp"`
}
