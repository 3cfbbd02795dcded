package scanner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/rules"
)

// Scanner applies a rule snapshot to blocks of text
type Scanner struct {
	config Config
	logger *zap.Logger
}

// New creates a scanner
func New(cfg Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMatchesPerRule <= 0 {
		cfg.MaxMatchesPerRule = DefaultConfig().MaxMatchesPerRule
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scanner{config: cfg, logger: logger}
}

// input is the text prepared once per scan and shared by every rule
type input struct {
	text    string
	runes   []rune
	offsets []int // offsets[i] is the byte offset of rune i; offsets[len(runes)] == len(text)
}

func prepare(text string) *input {
	runes := []rune(text)
	offsets := make([]int, 0, len(runes)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(text))
	return &input{text: text, runes: runes, offsets: offsets}
}

type ruleResult struct {
	matches []RawMatch
	warning error
}

// Scan runs every active rule of the snapshot over text. Rules are independent: a rule that
// times out or faults contributes a warning and no matches, and the others still run.
func (s *Scanner) Scan(text string, snap *rules.Snapshot) Result {
	start := time.Now()
	var res Result

	if limit := s.config.MaxContentBytes; limit > 0 && len(text) > limit {
		text = truncateUTF8(text, limit)
		res.Truncated = true
		res.Partial = true
	}

	active := snap.Rules()
	res.RulesRun = len(active)
	if len(active) == 0 || text == "" {
		res.Duration = time.Since(start)
		return res
	}

	in := prepare(text)
	results := make([]ruleResult, len(active))

	if s.config.Workers <= 1 || len(active) == 1 {
		for i, rule := range active {
			results[i] = s.runRule(rule, in)
		}
	} else {
		var wg sync.WaitGroup
		sem := make(chan struct{}, s.config.Workers)
		for i, rule := range active {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, rule *rules.Rule) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = s.runRule(rule, in)
			}(i, rule)
		}
		wg.Wait()
	}

	for i, rr := range results {
		if rr.warning != nil {
			res.Warnings = append(res.Warnings, rr.warning)
			res.Partial = true
			s.logger.Warn("Rule skipped for content unit",
				zap.String("rule_id", active[i].ID),
				zap.String("rule", active[i].Name),
				zap.String("category", active[i].Category),
				zap.Error(rr.warning),
			)
			continue
		}
		res.Matches = append(res.Matches, rr.matches...)
	}

	res.Duration = time.Since(start)
	return res
}

func (s *Scanner) runRule(rule *rules.Rule, in *input) (out ruleResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = ruleResult{warning: &RuleMatchFault{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Category: rule.Category,
				Err:      fmt.Errorf("panic: %v", r),
			}}
		}
	}()

	re := rule.Regexp()
	budget := re.MatchTimeout
	names := namedGroups(re)
	var matches []RawMatch

	m, err := re.FindRunesMatch(in.runes)
	for m != nil && err == nil {
		if m.Length > 0 {
			matches = append(matches, buildMatch(rule.ID, m, names, in))
			if len(matches) >= s.config.MaxMatchesPerRule {
				break
			}
		}
		if time.Since(start) > budget {
			return ruleResult{warning: ruleFailure(rule, errMatchBudget, budget, time.Since(start))}
		}
		m, err = re.FindNextMatch(m)
	}

	if err != nil {
		return ruleResult{warning: ruleFailure(rule, err, budget, time.Since(start))}
	}
	return ruleResult{matches: matches}
}

var errMatchBudget = errors.New("match timeout: rule budget exhausted")

// ruleFailure classifies a failed match: timeouts and budget overruns become
// *RuleTimeoutWarning, everything else *RuleMatchFault
func ruleFailure(rule *rules.Rule, err error, budget, elapsed time.Duration) error {
	if isTimeout(err) || (budget > 0 && elapsed >= budget) {
		return &RuleTimeoutWarning{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Category: rule.Category,
			Budget:   budget,
			Elapsed:  elapsed,
		}
	}
	return &RuleMatchFault{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Category: rule.Category,
		Err:      err,
	}
}

func buildMatch(ruleID string, m *regexp2.Match, names []string, in *input) RawMatch {
	start, end := m.Index, m.Index+m.Length
	raw := RawMatch{
		RuleID: ruleID,
		Start:  in.offsets[start],
		End:    in.offsets[end],
	}
	raw.Text = in.text[raw.Start:raw.End]

	valueStart, valueEnd := start, end
	if len(names) > 0 {
		raw.Groups = make(map[string]string, len(names))
		for _, name := range names {
			g := m.GroupByName(name)
			if g == nil || len(g.Captures) == 0 {
				continue
			}
			raw.Groups[name] = in.text[in.offsets[g.Index]:in.offsets[g.Index+g.Length]]
		}
	}

	if g := m.GroupByName("value"); g != nil && len(g.Captures) > 0 {
		valueStart, valueEnd = g.Index, g.Index+g.Length
	} else if g := m.GroupByNumber(1); g != nil && len(g.Captures) > 0 {
		valueStart, valueEnd = g.Index, g.Index+g.Length
	}

	raw.ValueStart = in.offsets[valueStart]
	raw.ValueEnd = in.offsets[valueEnd]
	raw.Value = in.text[raw.ValueStart:raw.ValueEnd]
	return raw
}

// namedGroups returns the explicitly named capture groups of a pattern
func namedGroups(re *regexp2.Regexp) []string {
	var names []string
	for _, name := range re.GetGroupNames() {
		if _, err := strconv.Atoi(name); err == nil {
			continue
		}
		names = append(names, name)
	}
	return names
}

func isTimeout(err error) bool {
	return strings.Contains(err.Error(), "match timeout")
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
