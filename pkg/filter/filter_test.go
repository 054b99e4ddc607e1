package filter

import (
	"strings"
	"testing"
)

func TestIsSupersetOf(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"A/B/C", "A/B/C", true},
		{"A/B/C", "A/B/D", false},
		{"A/B/+", "A/B/C", true},
		{"A/B/+", "A/B/C/D", false},
		{"A/#", "A/B/C", true},
		{"A/#", "A", true}, // a trailing "#" also covers its parent level
		{"A/B/#", "A/B", true},
		{"#", "anything/at/all", true},
		{"+/B", "A/B", true},
		{"+/B", "A/C", false},
		{"A/+/C", "A/B/C", true},
		{"A/+/C", "A/B/D", false},
		{"A/B", "A/B/C", false},
	}
	for _, c := range cases {
		if got := IsSupersetOf(c.a, c.b); got != c.want {
			t.Errorf("IsSupersetOf(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIsSupersetOfReflexive(t *testing.T) {
	topics := []string{"a", "a/b", "a/b/c", "$aws/rules/r/a/b"}
	for _, topic := range topics {
		if !IsSupersetOf(topic, topic) {
			t.Errorf("IsSupersetOf(%q, %q) should be true (reflexive)", topic, topic)
		}
	}
}

func TestConsolidationScenario(t *testing.T) {
	// subscribe(A/B/+) then subscribe(A/B/C): the broker filter A/B/+
	// must be recognized as covering A/B/C.
	if !IsSupersetOf("A/B/+", "A/B/C") {
		t.Fatal("A/B/+ must be a superset of A/B/C")
	}
	if IsSupersetOf("A/B/C", "A/B/+") {
		t.Fatal("A/B/C must not be a superset of A/B/+")
	}
}

func TestValidateSubscribe(t *testing.T) {
	ok := []string{"a/b/c", "a/+/c", "a/#", "+", "#", "a/b/+"}
	for _, topic := range ok {
		if err := ValidateSubscribe(topic); err != nil {
			t.Errorf("ValidateSubscribe(%q) = %v, want nil", topic, err)
		}
	}

	bad := map[string]error{
		"":        ErrEmptyTopic,
		"a/#/b":   ErrHashNotLast,
		"a/b+":    ErrWildcardInLevel,
		"a/#c":    ErrWildcardInLevel,
		strings.Repeat("a/", 200) + "b": ErrTopicTooLong,
		strings.Repeat("a/", 10) + "b":  ErrTooManySlashes,
	}
	for topic, wantErr := range bad {
		if err := ValidateSubscribe(topic); err != wantErr {
			t.Errorf("ValidateSubscribe(%q) = %v, want %v", topic, err, wantErr)
		}
	}
}

func TestValidatePublishRejectsWildcards(t *testing.T) {
	for _, topic := range []string{"a/+", "a/#", "+/b"} {
		if err := ValidatePublish(topic); err != ErrWildcardPublish {
			t.Errorf("ValidatePublish(%q) = %v, want ErrWildcardPublish", topic, err)
		}
	}
	if err := ValidatePublish("a/b/c"); err != nil {
		t.Errorf("ValidatePublish(%q) = %v, want nil", "a/b/c", err)
	}
}

func TestSlashBoundary(t *testing.T) {
	// Exactly MaxForwardSlashes ('/') succeeds; one more fails.
	topic7 := strings.Repeat("a/", MaxForwardSlashes) + "b"
	if err := ValidatePublish(topic7); err != nil {
		t.Errorf("topic with %d slashes should be valid: %v", MaxForwardSlashes, err)
	}
	topic8 := strings.Repeat("a/", MaxForwardSlashes+1) + "b"
	if err := ValidatePublish(topic8); err != ErrTooManySlashes {
		t.Errorf("topic with %d slashes should be ErrTooManySlashes, got %v", MaxForwardSlashes+1, err)
	}
}

func TestBasicIngestPrefixStripping(t *testing.T) {
	topic, stripped := StripBasicIngestPrefix("$aws/rules/myrule/a/b/c")
	if !stripped || topic != "a/b/c" {
		t.Fatalf("StripBasicIngestPrefix: got (%q, %v), want (%q, true)", topic, stripped, "a/b/c")
	}

	// Case-insensitive.
	topic, stripped = StripBasicIngestPrefix("$AWS/rules/myrule/a/b/c")
	if !stripped || topic != "a/b/c" {
		t.Fatalf("StripBasicIngestPrefix (case-insensitive): got (%q, %v)", topic, stripped)
	}

	topic, stripped = StripBasicIngestPrefix("plain/topic")
	if stripped || topic != "plain/topic" {
		t.Fatalf("StripBasicIngestPrefix should not strip a non-reserved topic, got (%q, %v)", topic, stripped)
	}
}

func TestBasicIngestLimitsUsePostStripLength(t *testing.T) {
	// The stripped "$aws/rules/<rule>/" prefix doesn't count against the
	// slash budget: MaxForwardSlashes worth of levels after it still pass.
	within := "$aws/rules/r/" + strings.Repeat("a/", MaxForwardSlashes) + "b"
	if err := ValidatePublish(within); err != nil {
		t.Errorf("reserved topic with post-prefix within limit should validate, got %v", err)
	}

	tooMany := "$aws/rules/r/" + strings.Repeat("a/", MaxForwardSlashes+1) + "b"
	if err := ValidatePublish(tooMany); err != ErrTooManySlashes {
		t.Errorf("reserved topic exceeding post-prefix slash limit should fail, got %v", err)
	}
}
