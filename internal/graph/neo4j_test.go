package graph

import (
	"context"
	"testing"
)

// TestCount_RejectsUnknownLabel verifies the label guard fires before any
// query is built, since Cypher labels cannot be parameterized.
func TestCount_RejectsUnknownLabel(t *testing.T) {
	t.Parallel()

	c := &Client{}
	for _, label := range []string{"", "paper", "Paper) RETURN 1 //", "DROP"} {
		if _, err := c.Count(context.Background(), label); err == nil {
			t.Errorf("Count accepted label %q", label)
		}
	}
}

func TestNew_RequiresURI(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), &Config{}); err == nil {
		t.Fatal("expected error for empty URI")
	}
}
