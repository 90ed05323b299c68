// Package stoppattern matches completion markers in agent output. Patterns
// are user-supplied, so a pattern that fails to compile disables the detector
// instead of surfacing an error.
package stoppattern

import (
	"log/slog"
	"regexp"
)

// DefaultPattern is the completion marker the execution prompt instructs the
// agent to emit.
const DefaultPattern = `<promise>COMPLETE</promise>$`

// PlanReadyMarker ends a plan-mode iteration. It is fixed, not user-supplied.
const PlanReadyMarker = `<promise>PLAN_READY</promise>`

var planReadyRe = regexp.MustCompile(regexp.QuoteMeta(PlanReadyMarker))

// Detector matches agent output against a compiled stop pattern.
type Detector struct {
	re *regexp.Regexp
}

// New compiles pattern. An empty pattern falls back to DefaultPattern. A
// pattern that does not compile yields a disabled detector: a warning is
// logged and Matches always returns false.
func New(pattern string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("stop pattern failed to compile, detector disabled", "pattern", pattern, "error", err)
		return &Detector{}
	}
	return &Detector{re: re}
}

// Matches reports whether output contains the stop pattern. A disabled
// detector never matches.
func (d *Detector) Matches(output string) bool {
	if d.re == nil {
		return false
	}
	return d.re.MatchString(output)
}

// Enabled reports whether the pattern compiled.
func (d *Detector) Enabled() bool { return d.re != nil }

// MatchesPlanReady reports whether output contains the plan-ready marker.
func MatchesPlanReady(output string) bool {
	return planReadyRe.MatchString(output)
}
