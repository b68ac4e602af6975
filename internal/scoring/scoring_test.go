package scoring

import (
	"errors"
	"testing"
)

func TestScore(t *testing.T) {
	policy := Current()

	answers := map[string]string{
		"role":             "professional",
		"usage_frequency":  "daily",
		"spending_bracket": "mid",
		"sharing_intent":   "yes",
	}
	if got := policy.Score(answers); got != 80 {
		t.Fatalf("Score() = %d, want 80", got)
	}
}

func TestScore_UnknownKeysAndValues(t *testing.T) {
	policy := Current()

	answers := map[string]string{
		"role":            "professional",
		"favourite_color": "teal",
		"usage_frequency": "hourly",
	}
	if got := policy.Score(answers); got != 30 {
		t.Fatalf("Score() = %d, want 30", got)
	}
}

func TestScore_Empty(t *testing.T) {
	if got := Current().Score(nil); got != 0 {
		t.Fatalf("Score(nil) = %d, want 0", got)
	}
}

func TestScore_Deterministic(t *testing.T) {
	policy := Current()
	answers := map[string]string{
		"role":           "enthusiast",
		"sharing_intent": "maybe",
	}
	first := policy.Score(answers)
	for i := 0; i < 10; i++ {
		if got := policy.Score(answers); got != first {
			t.Fatalf("Score() = %d on repeat, want %d", got, first)
		}
	}
}

func TestForVersion(t *testing.T) {
	policy, err := ForVersion(1)
	if err != nil {
		t.Fatalf("ForVersion(1) error = %v", err)
	}
	if policy.Version() != 1 {
		t.Fatalf("Version() = %d, want 1", policy.Version())
	}
	// Version 1 has no referral_source weights.
	answers := map[string]string{"referral_source": "friend"}
	if got := policy.Score(answers); got != 0 {
		t.Fatalf("v1 Score(referral_source) = %d, want 0", got)
	}
	if got := Current().Score(answers); got != 10 {
		t.Fatalf("v%d Score(referral_source) = %d, want 10", CurrentVersion, got)
	}
}

func TestForVersion_Unknown(t *testing.T) {
	_, err := ForVersion(99)
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
}
