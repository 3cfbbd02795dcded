package finding

import (
	"time"
)

// Finding is a normalized detection. One Finding exists per dedup key; later sightings only
// raise Count and LastSeen.
type Finding struct {
	Key       string    `json:"key" db:"dedup_key"`
	Category  string    `json:"category" db:"category"`
	RuleID    string    `json:"rule_id" db:"rule_id"`
	RuleName  string    `json:"rule_name" db:"rule_name"`
	Value     string    `json:"value" db:"value"`
	Masked    string    `json:"masked,omitempty" db:"masked"`
	Context   string    `json:"context,omitempty" db:"context"`
	SourceID  string    `json:"source_id" db:"source_id"`
	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
	// Count is the number of ingestions the value was seen in. Repeats of a key within one
	// ingestion are collapsed and count once.
	Count int64 `json:"count" db:"occurrences"`
}

// Display returns the value as it should be shown to a user
func (f Finding) Display() string {
	if f.Masked != "" {
		return f.Masked
	}
	return f.Value
}
