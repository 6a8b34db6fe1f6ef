package compiler

import (
	"fmt"
	"strings"
)

// MaxSummaryLines bounds how many diagnostics a summary prints.
const MaxSummaryLines = 40

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Location points into a script file. Line and Column are 1-based; zero
// means unknown.
type Location struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func (l Location) String() string {
	switch {
	case l.Line == 0:
		return l.File
	case l.Column == 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	default:
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
}

type Diagnostic struct {
	Severity Severity `json:"severity"`
	Location Location `json:"location"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	if loc := d.Location.String(); loc != "" {
		return fmt.Sprintf("%s: %s: %s", loc, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// Errorf builds an error diagnostic.
func Errorf(loc Location, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityError, Location: loc, Message: fmt.Sprintf(format, args...)}
}

// Warnf builds a warning diagnostic.
func Warnf(loc Location, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Location: loc, Message: fmt.Sprintf(format, args...)}
}

// Diagnostics is ordered by discovery.
type Diagnostics []Diagnostic

func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (ds Diagnostics) Errors() Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// Summary renders at most max lines, followed by "... (N more)".
func (ds Diagnostics) Summary(max int) string {
	if max <= 0 {
		max = MaxSummaryLines
	}
	var b strings.Builder
	for i, d := range ds {
		if i == max {
			fmt.Fprintf(&b, "... (%d more)\n", len(ds)-max)
			break
		}
		b.WriteString(d.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Error is returned by Result.Err for failed compiles.
type Error struct {
	Identity    string
	Diagnostics Diagnostics
}

func (e *Error) Error() string {
	errs := e.Diagnostics.Errors()
	switch len(errs) {
	case 0:
		return fmt.Sprintf("compile %s failed", e.Identity)
	case 1:
		return fmt.Sprintf("compile %s: %s", e.Identity, errs[0])
	default:
		return fmt.Sprintf("compile %s: %s (and %d more errors)", e.Identity, errs[0], len(errs)-1)
	}
}
