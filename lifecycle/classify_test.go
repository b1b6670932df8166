// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		transport   string
		negotiation string
		want        Verdict
	}{
		// Permanent dominates everything, including a simultaneous
		// connected reading on the other layer.
		{"failed", "", VerdictPermanent},
		{"closed", "", VerdictPermanent},
		{"", "failed", VerdictPermanent},
		{"failed", "connected", VerdictPermanent},
		{"connected", "failed", VerdictPermanent},
		{"closed", "completed", VerdictPermanent},
		{"failed", "disconnected", VerdictPermanent},

		// Stable: either layer connected or completed.
		{"connected", "", VerdictStable},
		{"completed", "", VerdictStable},
		{"", "connected", VerdictStable},
		{"checking", "connected", VerdictStable},
		{"connected", "disconnected", VerdictStable},

		// Transient: either layer disconnected, nothing worse.
		{"disconnected", "", VerdictTransient},
		{"", "disconnected", VerdictTransient},
		{"disconnected", "checking", VerdictTransient},

		// Pending: nothing actionable yet.
		{"", "", VerdictPending},
		{"new", "new", VerdictPending},
		{"checking", "", VerdictPending},
		{"gathering", "new", VerdictPending},
	}

	for _, tc := range cases {
		got := Classify(tc.transport, tc.negotiation)
		if got != tc.want {
			t.Errorf("Classify(%q, %q) = %s, want %s",
				tc.transport, tc.negotiation, got, tc.want)
		}
	}
}

func TestVerdictString(t *testing.T) {
	if VerdictStable.String() != "stable" || VerdictPermanent.String() != "permanent" {
		t.Error("verdict strings wrong")
	}
	if Verdict(42).String() != "verdict(42)" {
		t.Errorf("out-of-range verdict: %s", Verdict(42))
	}
}
