package graph

import (
	"fmt"
	"strings"
)

// Severity of a finding.
type Severity int

// Severities.
const (
	Info Severity = iota
	Warning
)

func (s Severity) String() string {
	if s == Warning {
		return "warning"
	}
	return "info"
}

// Finding is a diagnostic produced while building a graph.
type Finding struct {
	Severity Severity
	Entity   string
	Fields   []string
	Message  string
}

func (f Finding) String() string {
	if len(f.Fields) > 0 {
		return fmt.Sprintf("%s: %s(%s): %s", f.Severity, f.Entity, strings.Join(f.Fields, ", "), f.Message)
	}
	return fmt.Sprintf("%s: %s: %s", f.Severity, f.Entity, f.Message)
}

// Report holds the findings of a Build call. Callers decide whether and how
// to surface them; strict builds fail on warnings instead.
type Report struct {
	Findings []Finding
}

func (r *Report) add(s Severity, entity string, fields []string, msg string) {
	r.Findings = append(r.Findings, Finding{Severity: s, Entity: entity, Fields: fields, Message: msg})
}

// Warnings returns the findings with Warning severity.
func (r *Report) Warnings() []Finding {
	var ws []Finding
	for _, f := range r.Findings {
		if f.Severity == Warning {
			ws = append(ws, f)
		}
	}
	return ws
}

// HasWarnings reports if the report holds any warning.
func (r *Report) HasWarnings() bool { return len(r.Warnings()) > 0 }

// String returns one finding per line.
func (r *Report) String() string {
	if len(r.Findings) == 0 {
		return "no findings"
	}
	lines := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}
