package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound is returned when editing a rule id that does not exist
	ErrRuleNotFound = errors.New("rule not found")
	// ErrCategoryNotFound is returned for operations on an unknown category
	ErrCategoryNotFound = errors.New("category not found")
	// ErrDuplicateCategory is returned when adding a category that already exists
	ErrDuplicateCategory = errors.New("category already exists")
	// ErrBuiltInCategory is returned when removing a built-in category
	ErrBuiltInCategory = errors.New("built-in categories cannot be removed")
)

// InvalidPatternError reports a pattern that failed to compile
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error {
	return e.Err
}

// DuplicateRuleError reports a (category, name) pair that is already registered
type DuplicateRuleError struct {
	Category string
	Name     string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rule %q already exists in category %q", e.Name, e.Category)
}
