package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMatchTimeout is the per-rule time budget applied when none is configured
const DefaultMatchTimeout = 250 * time.Millisecond

// Options configures a Registry
type Options struct {
	// MatchTimeout bounds the time one rule may spend on one content unit
	MatchTimeout time.Duration
	// DisabledBuiltins lists built-in rule names or ids that start disabled
	DisabledBuiltins []string
	// Categories overrides built-in category settings or declares extra categories
	Categories []Category
}

// ChangeKind describes a registry mutation
type ChangeKind string

const (
	ChangeRuleAdded       ChangeKind = "rule_added"
	ChangeRuleUpdated     ChangeKind = "rule_updated"
	ChangeRuleRemoved     ChangeKind = "rule_removed"
	ChangeRuleToggled     ChangeKind = "rule_toggled"
	ChangeCategoryAdded   ChangeKind = "category_added"
	ChangeCategoryUpdated ChangeKind = "category_updated"
	ChangeCategoryRemoved ChangeKind = "category_removed"
	ChangeReloaded        ChangeKind = "rules_reloaded"
)

// Change is delivered to listeners after a mutation has been published
type Change struct {
	Kind     ChangeKind `json:"kind"`
	RuleID   string     `json:"rule_id,omitempty"`
	Category string     `json:"category,omitempty"`
	Version  uint64     `json:"version"`
}

// state is the copy-on-write registry content. A published state is never modified.
type state struct {
	byID       map[string]*Rule
	categories map[string]*Category
	order      []string
	snapshot   *Snapshot
}

func (s *state) clone() *state {
	next := &state{
		byID:       make(map[string]*Rule, len(s.byID)),
		categories: make(map[string]*Category, len(s.categories)),
		order:      append([]string(nil), s.order...),
	}
	for id, r := range s.byID {
		next.byID[id] = r
	}
	for name, c := range s.categories {
		next.categories[name] = c.clone()
	}
	return next
}

// ordered returns every rule in category order, then insertion order
func (s *state) ordered() []*Rule {
	out := make([]*Rule, 0, len(s.byID))
	for _, name := range s.order {
		for _, id := range s.categories[name].RuleIDs {
			if r, ok := s.byID[id]; ok {
				out = append(out, r)
			}
		}
	}
	return out
}

func (s *state) publish(version uint64) {
	active := make([]*Rule, 0, len(s.byID))
	byID := make(map[string]*Rule, len(s.byID))
	for _, r := range s.ordered() {
		if r.Enabled {
			active = append(active, r)
			byID[r.ID] = r
		}
	}
	s.snapshot = &Snapshot{
		Version:    version,
		rules:      active,
		byID:       byID,
		categories: s.categories,
	}
}

func (s *state) findByName(category, name string) *Rule {
	c, ok := s.categories[category]
	if !ok {
		return nil
	}
	for _, id := range c.RuleIDs {
		if r := s.byID[id]; r != nil && strings.EqualFold(r.Name, name) {
			return r
		}
	}
	return nil
}

func (s *state) ensureCategory(name string) *Category {
	if c, ok := s.categories[name]; ok {
		return c
	}
	c := &Category{Name: name, DisplayName: name, Policy: ExactPolicy}
	s.categories[name] = c
	s.order = append(s.order, name)
	return c
}

func (s *state) detach(r *Rule) {
	delete(s.byID, r.ID)
	c, ok := s.categories[r.Category]
	if !ok {
		return
	}
	ids := c.RuleIDs[:0]
	for _, id := range c.RuleIDs {
		if id != r.ID {
			ids = append(ids, id)
		}
	}
	c.RuleIDs = ids
}

// Registry owns the categorized detection rules. Reads go through Snapshot and never lock;
// writers serialize on a mutex and publish a fresh state atomically.
type Registry struct {
	mu        sync.Mutex
	current   atomic.Pointer[state]
	version   uint64
	timeout   time.Duration
	listeners []func(Change)
	logger    *zap.Logger
}

// NewRegistry creates a registry populated with the built-in categories and rules
func NewRegistry(opts Options, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.MatchTimeout
	if timeout <= 0 {
		timeout = DefaultMatchTimeout
	}

	r := &Registry{
		timeout: timeout,
		logger:  logger,
	}

	initial := &state{
		byID:       make(map[string]*Rule),
		categories: make(map[string]*Category),
	}
	for _, c := range DefaultCategories() {
		cat := c
		if err := cat.compileExcludes(); err != nil {
			return nil, fmt.Errorf("built-in category %s: %w", cat.Name, err)
		}
		initial.categories[cat.Name] = &cat
		initial.order = append(initial.order, cat.Name)
	}
	for _, c := range opts.Categories {
		if existing, ok := initial.categories[c.Name]; ok {
			if err := applyCategorySettings(existing, c); err != nil {
				return nil, fmt.Errorf("category %s: %w", c.Name, err)
			}
			continue
		}
		cat := c.clone()
		cat.BuiltIn = false
		cat.RuleIDs = nil
		if cat.DisplayName == "" {
			cat.DisplayName = cat.Name
		}
		if err := cat.compileExcludes(); err != nil {
			return nil, fmt.Errorf("category %s: %w", cat.Name, err)
		}
		initial.categories[cat.Name] = cat
		initial.order = append(initial.order, cat.Name)
	}

	disabled := make(map[string]bool, len(opts.DisabledBuiltins))
	for _, name := range opts.DisabledBuiltins {
		disabled[strings.ToLower(name)] = true
	}

	for _, b := range builtinRules {
		re, err := r.compile(b.pattern, b.caseSensitive)
		if err != nil {
			return nil, fmt.Errorf("built-in rule %s/%s: %w", b.category, b.name, err)
		}
		id := BuiltinID(b.category, b.name)
		rule := &Rule{
			ID:            id,
			Category:      b.category,
			Name:          b.name,
			Pattern:       b.pattern,
			CaseSensitive: b.caseSensitive,
			Enabled:       !disabled[strings.ToLower(b.name)] && !disabled[strings.ToLower(id)],
			BuiltIn:       true,
			re:            re,
		}
		initial.byID[id] = rule
		cat := initial.ensureCategory(b.category)
		cat.RuleIDs = append(cat.RuleIDs, id)
	}

	r.version = 1
	initial.publish(r.version)
	r.current.Store(initial)

	logger.Info("Rule registry initialized",
		zap.Int("total_rules", len(initial.byID)),
		zap.Int("active_rules", initial.snapshot.Len()),
		zap.Int("categories", len(initial.order)),
		zap.Duration("match_timeout", timeout),
	)

	return r, nil
}

// BuiltinID returns the stable id of a shipped rule
func BuiltinID(category, name string) string {
	return "builtin/" + slug(category) + "/" + name
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// applyCategorySettings copies the settings of src onto dst. Nil exclusion lists keep the
// current ones. dst is left untouched when an exclude pattern does not compile.
func applyCategorySettings(dst *Category, src Category) error {
	if src.ExcludePatterns != nil {
		compiled := Category{ExcludePatterns: src.ExcludePatterns}
		if err := compiled.compileExcludes(); err != nil {
			return err
		}
		dst.ExcludePatterns = append([]string(nil), src.ExcludePatterns...)
		dst.excludeRes = compiled.excludeRes
	}
	dst.Policy = src.Policy
	dst.Mask = src.Mask
	dst.MinLength = src.MinLength
	if src.Exclude != nil {
		dst.Exclude = append([]string(nil), src.Exclude...)
	}
	if src.DisplayName != "" {
		dst.DisplayName = src.DisplayName
	}
	return nil
}

// OnChange registers a listener called after every published mutation
func (r *Registry) OnChange(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Snapshot returns the current immutable rule view
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load().snapshot
}

// MatchTimeout returns the per-rule time budget rules are compiled with
func (r *Registry) MatchTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

func (r *Registry) compile(pattern string, caseSensitive bool) (*regexp2.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, &InvalidPatternError{Pattern: pattern, Err: errors.New("pattern is empty")}
	}
	opts := regexp2.None
	if !caseSensitive {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, &InvalidPatternError{Pattern: pattern, Err: err}
	}
	re.MatchTimeout = r.timeout
	return re, nil
}

// mutate applies fn to a private copy of the state and publishes it when fn succeeds
func (r *Registry) mutate(fn func(s *state) (Change, error)) error {
	r.mu.Lock()
	next := r.current.Load().clone()
	change, err := fn(next)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.version++
	next.publish(r.version)
	r.current.Store(next)
	change.Version = r.version
	listeners := make([]func(Change), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
	return nil
}

// Add registers a custom rule and returns its id
func (r *Registry) Add(category, name, pattern string, caseSensitive bool) (string, error) {
	category = strings.TrimSpace(category)
	name = strings.TrimSpace(name)
	if category == "" || name == "" {
		return "", fmt.Errorf("category and name are required")
	}

	id := uuid.NewString()
	err := r.mutate(func(s *state) (Change, error) {
		if s.findByName(category, name) != nil {
			return Change{}, &DuplicateRuleError{Category: category, Name: name}
		}
		re, err := r.compile(pattern, caseSensitive)
		if err != nil {
			return Change{}, err
		}
		s.byID[id] = &Rule{
			ID:            id,
			Category:      category,
			Name:          name,
			Pattern:       pattern,
			CaseSensitive: caseSensitive,
			Enabled:       true,
			re:            re,
		}
		cat := s.ensureCategory(category)
		cat.RuleIDs = append(cat.RuleIDs, id)
		return Change{Kind: ChangeRuleAdded, RuleID: id, Category: category}, nil
	})
	if err != nil {
		return "", err
	}

	r.logger.Info("Rule added",
		zap.String("rule_id", id),
		zap.String("category", category),
		zap.String("name", name),
	)
	return id, nil
}

// Update edits the name and pattern of an existing rule
func (r *Registry) Update(id, name, pattern string, caseSensitive bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	return r.mutate(func(s *state) (Change, error) {
		old, ok := s.byID[id]
		if !ok {
			return Change{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		if dup := s.findByName(old.Category, name); dup != nil && dup.ID != id {
			return Change{}, &DuplicateRuleError{Category: old.Category, Name: name}
		}
		re, err := r.compile(pattern, caseSensitive)
		if err != nil {
			return Change{}, err
		}
		updated := *old
		updated.Name = name
		updated.Pattern = pattern
		updated.CaseSensitive = caseSensitive
		updated.re = re
		s.byID[id] = &updated
		return Change{Kind: ChangeRuleUpdated, RuleID: id, Category: old.Category}, nil
	})
}

// Remove deletes a rule. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	_ = r.mutate(func(s *state) (Change, error) {
		old, ok := s.byID[id]
		if !ok {
			return Change{}, errNoop
		}
		s.detach(old)
		return Change{Kind: ChangeRuleRemoved, RuleID: id, Category: old.Category}, nil
	})
}

// SetEnabled toggles a rule. Unknown ids are ignored.
func (r *Registry) SetEnabled(id string, enabled bool) {
	_ = r.mutate(func(s *state) (Change, error) {
		old, ok := s.byID[id]
		if !ok || old.Enabled == enabled {
			return Change{}, errNoop
		}
		updated := *old
		updated.Enabled = enabled
		s.byID[id] = &updated
		return Change{Kind: ChangeRuleToggled, RuleID: id, Category: old.Category}, nil
	})
}

var errNoop = errors.New("no change")

// Get returns a rule by id
func (r *Registry) Get(id string) (*Rule, bool) {
	rule, ok := r.current.Load().byID[id]
	return rule, ok
}

// Rules returns every rule, enabled or not, in registry order
func (r *Registry) Rules() []*Rule {
	return r.current.Load().ordered()
}

// Categories returns copies of every category in registry order
func (r *Registry) Categories() []Category {
	s := r.current.Load()
	out := make([]Category, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.categories[name].clone())
	}
	return out
}

// AddCategory declares a new custom category
func (r *Registry) AddCategory(c Category) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("category name is required")
	}
	return r.mutate(func(s *state) (Change, error) {
		if _, ok := s.categories[c.Name]; ok {
			return Change{}, fmt.Errorf("%w: %s", ErrDuplicateCategory, c.Name)
		}
		cat := c.clone()
		cat.RuleIDs = nil
		cat.BuiltIn = false
		if cat.DisplayName == "" {
			cat.DisplayName = cat.Name
		}
		if err := cat.compileExcludes(); err != nil {
			return Change{}, err
		}
		s.categories[cat.Name] = cat
		s.order = append(s.order, cat.Name)
		return Change{Kind: ChangeCategoryAdded, Category: cat.Name}, nil
	})
}

// UpdateCategory replaces the policy and filter settings of a category
func (r *Registry) UpdateCategory(c Category) error {
	return r.mutate(func(s *state) (Change, error) {
		existing, ok := s.categories[c.Name]
		if !ok {
			return Change{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, c.Name)
		}
		if err := applyCategorySettings(existing, c); err != nil {
			return Change{}, err
		}
		return Change{Kind: ChangeCategoryUpdated, Category: c.Name}, nil
	})
}

// SetCategoryPolicy changes how values of a category are canonicalized for de-duplication.
// Findings already stored keep the key they were accepted under.
func (r *Registry) SetCategoryPolicy(name string, policy Policy) error {
	return r.mutate(func(s *state) (Change, error) {
		c, ok := s.categories[name]
		if !ok {
			return Change{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, name)
		}
		c.Policy = policy
		return Change{Kind: ChangeCategoryUpdated, Category: name}, nil
	})
}

// RemoveCategory deletes a custom category together with its rules
func (r *Registry) RemoveCategory(name string) error {
	return r.mutate(func(s *state) (Change, error) {
		c, ok := s.categories[name]
		if !ok {
			return Change{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, name)
		}
		if c.BuiltIn {
			return Change{}, fmt.Errorf("%w: %s", ErrBuiltInCategory, name)
		}
		for _, id := range c.RuleIDs {
			delete(s.byID, id)
		}
		delete(s.categories, name)
		order := s.order[:0]
		for _, n := range s.order {
			if n != name {
				order = append(order, n)
			}
		}
		s.order = order
		return Change{Kind: ChangeCategoryRemoved, Category: name}, nil
	})
}

// SetMatchTimeout recompiles every rule with a new per-rule time budget
func (r *Registry) SetMatchTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("match timeout must be positive, got %s", d)
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()

	return r.mutate(func(s *state) (Change, error) {
		for id, old := range s.byID {
			re, err := r.compile(old.Pattern, old.CaseSensitive)
			if err != nil {
				return Change{}, err
			}
			updated := *old
			updated.re = re
			s.byID[id] = &updated
		}
		return Change{Kind: ChangeReloaded}, nil
	})
}

// Records returns the serializable rules. With customOnly set, built-ins are skipped;
// otherwise built-ins are included so their enabled flag can be persisted.
func (r *Registry) Records(customOnly bool) []Record {
	all := r.Rules()
	out := make([]Record, 0, len(all))
	for _, rule := range all {
		if customOnly && rule.BuiltIn {
			continue
		}
		out = append(out, rule.Record())
	}
	return out
}

// Import loads persisted records. Records naming a built-in id only restore its enabled flag.
// Invalid records are reported and skipped; the rest are published in one step.
func (r *Registry) Import(records []Record) error {
	return r.load(records, false)
}

// ReplaceCustom drops every custom rule and loads records in their place
func (r *Registry) ReplaceCustom(records []Record) error {
	return r.load(records, true)
}

func (r *Registry) load(records []Record, replace bool) error {
	var errs []error
	err := r.mutate(func(s *state) (Change, error) {
		if replace {
			for _, rule := range s.byID {
				if !rule.BuiltIn {
					s.detach(rule)
				}
			}
		}
		for _, rec := range records {
			if err := r.loadRecord(s, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return Change{Kind: ChangeReloaded}, nil
	})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		r.logger.Warn("Some rule records were rejected", zap.Int("rejected", len(errs)), zap.Int("total", len(records)))
	}
	return errors.Join(errs...)
}

func (r *Registry) loadRecord(s *state, rec Record) error {
	if existing, ok := s.byID[rec.ID]; ok && existing.BuiltIn {
		updated := *existing
		updated.Enabled = rec.Enabled
		s.byID[rec.ID] = &updated
		return nil
	}
	category := strings.TrimSpace(rec.Category)
	name := strings.TrimSpace(rec.Name)
	if category == "" || name == "" {
		return fmt.Errorf("record %q: category and name are required", rec.ID)
	}
	if dup := s.findByName(category, name); dup != nil && dup.ID != rec.ID {
		return &DuplicateRuleError{Category: category, Name: name}
	}
	re, err := r.compile(rec.Pattern, rec.CaseSensitive)
	if err != nil {
		return fmt.Errorf("record %q: %w", rec.Name, err)
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if old, ok := s.byID[id]; ok {
		s.detach(old)
	}
	s.byID[id] = &Rule{
		ID:            id,
		Category:      category,
		Name:          name,
		Pattern:       rec.Pattern,
		CaseSensitive: rec.CaseSensitive,
		Enabled:       rec.Enabled,
		re:            re,
	}
	cat := s.ensureCategory(category)
	cat.RuleIDs = append(cat.RuleIDs, id)
	return nil
}
