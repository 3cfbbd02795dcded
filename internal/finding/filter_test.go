package finding

import (
	"testing"
	"time"
)

func sampleFindings() []Finding {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Finding{
		{Key: "c", Category: "Secrets", RuleName: "aws-key", Value: "AKIA1", SourceID: "app.js", FirstSeen: base.Add(2 * time.Minute)},
		{Key: "b", Category: "Paths/URLs", RuleName: "api-path", Value: "/api/users", SourceID: "app.js", FirstSeen: base},
		{Key: "a", Category: "Paths/URLs", RuleName: "url", Value: "https://corp.test", SourceID: "vendor.js", FirstSeen: base},
	}
}

func TestFilter(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		got := Filter{}.Apply(sampleFindings())
		if len(got) != 3 {
			t.Fatalf("Expected 3 findings, got %d", len(got))
		}
		if got[0].Key != "a" || got[1].Key != "b" || got[2].Key != "c" {
			t.Errorf("Expected first-seen order with key ties, got %s %s %s", got[0].Key, got[1].Key, got[2].Key)
		}
	})

	t.Run("Category", func(t *testing.T) {
		if got := (Filter{Category: "paths/urls"}).Apply(sampleFindings()); len(got) != 2 {
			t.Errorf("Expected 2 findings, got %d", len(got))
		}
	})

	t.Run("Source", func(t *testing.T) {
		if got := (Filter{SourceID: "vendor.js"}).Apply(sampleFindings()); len(got) != 1 || got[0].Key != "a" {
			t.Errorf("Unexpected result: %+v", got)
		}
	})

	t.Run("Query", func(t *testing.T) {
		if got := (Filter{Query: "USERS"}).Apply(sampleFindings()); len(got) != 1 || got[0].Key != "b" {
			t.Errorf("Unexpected value match: %+v", got)
		}
		if got := (Filter{Query: "aws"}).Apply(sampleFindings()); len(got) != 1 || got[0].Key != "c" {
			t.Errorf("Unexpected rule name match: %+v", got)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		got := Filter{Limit: 2}.Apply(sampleFindings())
		if len(got) != 2 || got[1].Key != "b" {
			t.Errorf("Unexpected limited result: %+v", got)
		}
	})

	t.Run("InputUntouched", func(t *testing.T) {
		in := sampleFindings()
		Filter{}.Apply(in)
		if in[0].Key != "c" {
			t.Error("Apply must not reorder its input")
		}
	})
}

func TestGroupValues(t *testing.T) {
	groups := GroupValues(sampleFindings())
	if len(groups["Paths/URLs"]) != 2 || len(groups["Secrets"]) != 1 {
		t.Errorf("Unexpected grouping: %v", groups)
	}
}
