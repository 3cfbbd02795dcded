package scanner

import (
	"fmt"
	"time"
)

// RawMatch is one pattern hit inside one content unit. Offsets are byte offsets into the
// scanned text. Start/End/Text cover the whole match; Value* cover the extracted value,
// which is the named group "value", else group 1, else the whole match.
type RawMatch struct {
	RuleID     string
	Start      int
	End        int
	Text       string
	Groups     map[string]string
	Value      string
	ValueStart int
	ValueEnd   int
}

// Result is the outcome of scanning one content unit
type Result struct {
	Matches []RawMatch
	// Warnings holds *RuleTimeoutWarning and *RuleMatchFault values, one per affected rule
	Warnings []error
	// Partial is set when a rule was cut short or the content was truncated
	Partial   bool
	Truncated bool
	RulesRun  int
	Duration  time.Duration
}

// RuleTimeoutWarning reports a rule that exceeded its time budget on one content unit
type RuleTimeoutWarning struct {
	RuleID   string
	RuleName string
	Category string
	Budget   time.Duration
	Elapsed  time.Duration
}

func (w *RuleTimeoutWarning) Error() string {
	return fmt.Sprintf("rule %s/%s exceeded its %s budget after %s", w.Category, w.RuleName, w.Budget, w.Elapsed.Round(time.Millisecond))
}

// RuleMatchFault reports a rule whose match attempt failed for a reason other than time
type RuleMatchFault struct {
	RuleID   string
	RuleName string
	Category string
	Err      error
}

func (f *RuleMatchFault) Error() string {
	return fmt.Sprintf("rule %s/%s failed: %v", f.Category, f.RuleName, f.Err)
}

func (f *RuleMatchFault) Unwrap() error {
	return f.Err
}

// Config tunes a Scanner
type Config struct {
	// MaxMatchesPerRule caps the matches one rule may report per content unit
	MaxMatchesPerRule int
	// Workers is the number of rules evaluated in parallel for one content unit
	Workers int
	// MaxContentBytes truncates larger content units; zero disables the limit
	MaxContentBytes int
}

// DefaultConfig returns the scanner defaults
func DefaultConfig() Config {
	return Config{
		MaxMatchesPerRule: 1000,
		Workers:           1,
		MaxContentBytes:   5 * 1024 * 1024,
	}
}
