package crawler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Position is a zero-based line and column (in bytes) inside a document.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return strconv.Itoa(p.Line+1) + ":" + strconv.Itoa(p.Column+1)
}

// Range is a half-open span of positions.
type Range struct {
	Start Position
	End   Position
}

// Diagnostic is a single problem reported by an analyzer.
type Diagnostic struct {
	Range    Range
	Severity Severity
	Message  string
	Code     string // e.g., "trailing-whitespace"
	Source   string // analyzer ID
}

// Key returns a stable identity for the diagnostic, used to compute
// added/removed deltas between two diagnostic sets.
func (d Diagnostic) Key() uint64 {
	return xxh3.HashString(fmt.Sprintf("%s|%s|%d|%d:%d-%d:%d|%s",
		d.Source, d.Code, d.Severity,
		d.Range.Start.Line, d.Range.Start.Column,
		d.Range.End.Line, d.Range.End.Column,
		d.Message))
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s: %s [%s]", d.Range.Start, d.Severity, d.Message, d.Code)
}

// Severity indicates the severity of a diagnostic.
type Severity int

// Severity constants.
const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityInformation
	SeverityHint
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// ParseSeverity parses "error", "warning", "info"/"information" or "hint".
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return SeverityError, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "info", "information":
		return SeverityInformation, nil
	case "hint":
		return SeverityHint, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}

	*s = v

	return nil
}
