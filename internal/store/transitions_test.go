package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "called", false},
		{"call_next", "serving", false},
		{"start_serving", "called", true},
		{"start_serving", "waiting", false},
		{"complete", "called", true},
		{"complete", "serving", true},
		{"complete", "waiting", false},
		{"skip", "waiting", true},
		{"skip", "called", true},
		{"skip", "serving", false},
		{"cancel", "waiting", true},
		{"cancel", "called", false},
		{"cancel", "completed", false},
		{"transfer", "called", true},
		{"transfer", "serving", true},
		{"transfer", "waiting", false},
		{"complete", "completed", false},
		{"cancel", "cancelled", false},
		{"skip", "skipped", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
