package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/raaihank/js-sentinel/internal/rules"
	"github.com/raaihank/js-sentinel/internal/scanner"
)

const (
	// DefaultMaxValueLength bounds stored values, in runes
	DefaultMaxValueLength = 256
	// DefaultContextRadius is the number of bytes captured on each side of a match
	DefaultContextRadius = 40

	truncationMarker = "..."
	maskThreshold    = 20
)

// Config tunes a Normalizer
type Config struct {
	MaxValueLength int
	ContextRadius  int
}

// Normalizer turns raw matches into canonical findings
type Normalizer struct {
	maxValueLength int
	contextRadius  int
	now            func() time.Time
}

// NewNormalizer creates a normalizer. Zero values fall back to the defaults; a negative
// context radius disables context capture.
func NewNormalizer(cfg Config) *Normalizer {
	n := &Normalizer{
		maxValueLength: cfg.MaxValueLength,
		contextRadius:  cfg.ContextRadius,
		now:            time.Now,
	}
	if n.maxValueLength <= 0 {
		n.maxValueLength = DefaultMaxValueLength
	}
	if n.contextRadius == 0 {
		n.contextRadius = DefaultContextRadius
	}
	return n
}

// Admit applies the category noise filter to a raw match value
func (n *Normalizer) Admit(raw scanner.RawMatch, cat *rules.Category) bool {
	if cat == nil {
		return strings.TrimSpace(raw.Value) != ""
	}
	return cat.Admits(strings.TrimSpace(raw.Value))
}

// Normalize builds the Finding for one raw match. text is the scanned content and is only
// used for the display context.
func (n *Normalizer) Normalize(raw scanner.RawMatch, rule *rules.Rule, cat *rules.Category, sourceID, text string) Finding {
	value := strings.TrimSpace(raw.Value)
	policy := rules.ExactPolicy
	mask := false
	category := rule.Category
	if cat != nil {
		policy = cat.Policy
		mask = cat.Mask
	}

	now := n.now().UTC()
	f := Finding{
		Key:       Key(category, value, policy),
		Category:  category,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Value:     truncate(value, n.maxValueLength),
		SourceID:  sourceID,
		FirstSeen: now,
		LastSeen:  now,
		Count:     1,
	}
	if mask {
		f.Masked = Mask(value)
	}
	if n.contextRadius > 0 && text != "" {
		f.Context = contextWindow(text, raw.Start, raw.End, n.contextRadius)
	}
	return f
}

// Key is the stable de-duplication key for a value in a category
func Key(category, value string, policy rules.Policy) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(Canonical(value, policy)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Canonical applies a category policy to a value
func Canonical(value string, policy rules.Policy) string {
	if policy.CollapseWhitespace {
		value = strings.Join(strings.Fields(value), " ")
	}
	if policy.CaseFold {
		value = strings.ToLower(value)
	}
	return value
}

// Mask keeps the first 10 and last 4 runes of values longer than 20 runes
func Mask(value string) string {
	runes := []rune(value)
	if len(runes) <= maskThreshold {
		return value
	}
	return string(runes[:10]) + truncationMarker + string(runes[len(runes)-4:])
}

func truncate(value string, max int) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	runes := []rune(value)
	return string(runes[:max]) + truncationMarker
}

// contextWindow returns up to radius bytes around [start, end) on a single line
func contextWindow(text string, start, end, radius int) string {
	from := start - radius
	if from < 0 {
		from = 0
	}
	to := end + radius
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, text[from:to])
}
