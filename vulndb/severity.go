package vulndb

import (
	"fmt"
	"strings"
)

// Severity is the qualitative rating of an advisory or one of its details.
type Severity int

const (
	SeverityUnspecified Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{
	SeverityUnspecified: "UNSPECIFIED",
	SeverityLow:         "LOW",
	SeverityMedium:      "MEDIUM",
	SeverityHigh:        "HIGH",
	SeverityCritical:    "CRITICAL",
}

// ParseSeverity maps a severity name to a Severity regardless of case.
// Anything it does not recognise, including the empty string, is
// SeverityUnspecified.
func ParseSeverity(s string) Severity {
	s = strings.ToUpper(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == s {
			return Severity(sev)
		}
	}
	return SeverityUnspecified
}

func (s Severity) String() string {
	if s < SeverityUnspecified || int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}
