package rules

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Built-in category names
const (
	CategorySecrets = "Secrets"
	CategoryPaths   = "Paths/URLs"
	CategoryEmails  = "Emails"
	CategoryFiles   = "Files"
)

// Policy controls how a category canonicalizes values before they are keyed for de-duplication
type Policy struct {
	CaseFold           bool `json:"case_fold" yaml:"case_fold" mapstructure:"case_fold"`
	CollapseWhitespace bool `json:"collapse_whitespace" yaml:"collapse_whitespace" mapstructure:"collapse_whitespace"`
}

// ExactPolicy preserves values byte for byte
var ExactPolicy = Policy{}

// FoldPolicy lower-cases values and collapses whitespace runs
var FoldPolicy = Policy{CaseFold: true, CollapseWhitespace: true}

// Category groups rules and carries the per-category finding policy
type Category struct {
	Name        string   `json:"name" yaml:"name" mapstructure:"name"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name,omitempty" mapstructure:"display_name"`
	RuleIDs     []string `json:"rule_ids,omitempty" yaml:"-" mapstructure:"-"`
	Policy      Policy   `json:"policy" yaml:"policy" mapstructure:"policy"`
	// Mask hides the middle of values when they are shown to a user
	Mask      bool     `json:"mask" yaml:"mask" mapstructure:"mask"`
	MinLength int      `json:"min_length" yaml:"min_length" mapstructure:"min_length"`
	Exclude   []string `json:"exclude,omitempty" yaml:"exclude,omitempty" mapstructure:"exclude"`
	// ExcludePatterns are regexes rejecting matching values; they take effect once the
	// category is registered
	ExcludePatterns []string `json:"exclude_patterns,omitempty" yaml:"exclude_patterns,omitempty" mapstructure:"exclude_patterns"`
	BuiltIn         bool     `json:"built_in" yaml:"-" mapstructure:"-"`

	excludeRes []*regexp2.Regexp
}

// excludeMatchTimeout bounds one exclude pattern against one value
const excludeMatchTimeout = 50 * time.Millisecond

// Admits reports whether a value passes the category noise filter.
// Exclusions are matched as case-insensitive substrings.
func (c *Category) Admits(value string) bool {
	if value == "" || len(value) < c.MinLength {
		return false
	}
	lower := strings.ToLower(value)
	for _, ex := range c.Exclude {
		if ex != "" && strings.Contains(lower, strings.ToLower(ex)) {
			return false
		}
	}
	for _, re := range c.excludeRes {
		// A pattern that errors out does not reject the value
		if ok, err := re.MatchString(value); err == nil && ok {
			return false
		}
	}
	return true
}

// compileExcludes compiles ExcludePatterns
func (c *Category) compileExcludes() error {
	res := make([]*regexp2.Regexp, 0, len(c.ExcludePatterns))
	for _, p := range c.ExcludePatterns {
		re, err := regexp2.Compile(p, regexp2.None)
		if err != nil {
			return &InvalidPatternError{Pattern: p, Err: err}
		}
		re.MatchTimeout = excludeMatchTimeout
		res = append(res, re)
	}
	c.excludeRes = res
	return nil
}

func (c *Category) clone() *Category {
	cp := *c
	cp.RuleIDs = append([]string(nil), c.RuleIDs...)
	cp.Exclude = append([]string(nil), c.Exclude...)
	cp.ExcludePatterns = append([]string(nil), c.ExcludePatterns...)
	return &cp
}

// Rule is a named, categorized detection pattern.
// A Rule is immutable once published in a snapshot.
type Rule struct {
	ID            string `json:"id"`
	Category      string `json:"category"`
	Name          string `json:"name"`
	Pattern       string `json:"pattern"`
	CaseSensitive bool   `json:"case_sensitive"`
	Enabled       bool   `json:"enabled"`
	BuiltIn       bool   `json:"built_in"`

	re *regexp2.Regexp
}

// Regexp returns the compiled pattern
func (r *Rule) Regexp() *regexp2.Regexp {
	return r.re
}

// Record returns the serializable form of the rule
func (r *Rule) Record() Record {
	return Record{
		ID:            r.ID,
		Category:      r.Category,
		Name:          r.Name,
		Pattern:       r.Pattern,
		CaseSensitive: r.CaseSensitive,
		Enabled:       r.Enabled,
	}
}

// Record is the persisted shape of a rule. The host picks the storage format.
type Record struct {
	ID            string `json:"id" yaml:"id" db:"id"`
	Category      string `json:"category" yaml:"category" db:"category"`
	Name          string `json:"name" yaml:"name" db:"name"`
	Pattern       string `json:"pattern" yaml:"pattern" db:"pattern"`
	CaseSensitive bool   `json:"case_sensitive" yaml:"case_sensitive" db:"case_sensitive"`
	Enabled       bool   `json:"enabled" yaml:"enabled" db:"enabled"`
}

// Snapshot is an immutable view of the active rules and the category table
type Snapshot struct {
	Version    uint64
	rules      []*Rule
	byID       map[string]*Rule
	categories map[string]*Category
}

// Rule looks up an active rule by id
func (s *Snapshot) Rule(id string) (*Rule, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.byID[id]
	return r, ok
}

// Rules returns the active rules in registry order. Callers must not modify the slice.
func (s *Snapshot) Rules() []*Rule {
	if s == nil {
		return nil
	}
	return s.rules
}

// Len returns the number of active rules
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Category looks up a category by name
func (s *Snapshot) Category(name string) (*Category, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.categories[name]
	return c, ok
}
