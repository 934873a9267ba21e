package main

import (
	"testing"

	"coverline/internal/engine"
)

func TestParseFault(t *testing.T) {
	cases := []struct {
		raw  string
		want engine.FaultEvent
	}{
		{"u1:permanent", engine.FaultEvent{Unit: "u1", Kind: engine.FaultPermanent}},
		{"u2:temporary:5", engine.FaultEvent{Unit: "u2", Kind: engine.FaultTemporary, DurationTicks: 5}},
		{"u3@nav:temporary:2", engine.FaultEvent{Unit: "u3", Domain: "nav", Kind: engine.FaultTemporary, DurationTicks: 2}},
	}
	for _, tc := range cases {
		got, err := parseFault(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseFaultRejects(t *testing.T) {
	for _, raw := range []string{"u1", "u1:temporary", "u1:melted", "u1:temporary:x", "a:b:c:d"} {
		if _, err := parseFault(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
