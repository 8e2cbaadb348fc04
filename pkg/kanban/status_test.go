package kanban

import "testing"

// TestParseStatus verifies canonical parsing and the unknown→todo fallback
func TestParseStatus(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Status
	}{
		{name: "exact match", raw: "inprogress", want: StatusInProgress},
		{name: "uppercase", raw: "DONE", want: StatusDone},
		{name: "surrounding whitespace", raw: "  blocked ", want: StatusBlocked},
		{name: "unknown maps to todo", raw: "on-hold", want: StatusTodo},
		{name: "empty maps to todo", raw: "", want: StatusTodo},
		{name: "draft", raw: "draft", want: StatusDraft},
		{name: "cancelled", raw: "cancelled", want: StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseStatus(tt.raw); got != tt.want {
				t.Errorf("ParseStatus(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// TestParseStatusStrict verifies unknown values yield empty instead of todo
func TestParseStatusStrict(t *testing.T) {
	if got := ParseStatusStrict("inreview"); got != StatusInReview {
		t.Errorf("expected inreview, got %q", got)
	}
	if got := ParseStatusStrict("banana"); got != "" {
		t.Errorf("expected empty status for unknown value, got %q", got)
	}
}

// TestStatusTerminal verifies only done and cancelled end the lifecycle
func TestStatusTerminal(t *testing.T) {
	for _, s := range AllStatuses() {
		want := s == StatusDone || s == StatusCancelled
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

// TestVocabularyRoundTrip verifies canonical ↔ native mapping with overrides
func TestVocabularyRoundTrip(t *testing.T) {
	v := DefaultJiraVocabulary(map[string]string{
		"inprogress": "In Development",
	})

	native, ok := v.Native(StatusInProgress)
	if !ok || native != "In Development" {
		t.Fatalf("expected override In Development, got %q (ok=%v)", native, ok)
	}
	if got := v.Canonical("in development"); got != StatusInProgress {
		t.Errorf("case-insensitive reverse lookup failed, got %q", got)
	}

	// The default native name was displaced by the override.
	if got := v.Canonical("In Progress"); got != StatusTodo {
		t.Errorf("displaced default should fall back to todo, got %q", got)
	}
}

// TestVocabularyUnknownNative verifies unknown native names normalize to todo
func TestVocabularyUnknownNative(t *testing.T) {
	v := DefaultGitHubVocabulary(nil)
	if got := v.Canonical("wontfix"); got != StatusTodo {
		t.Errorf("expected todo for unknown native name, got %q", got)
	}
	if v.Has("wontfix") {
		t.Error("Has should be false for unknown native name")
	}
}

// TestTransitionAliases verifies the alias whitelist covers terminal statuses
func TestTransitionAliases(t *testing.T) {
	aliases := TransitionAliases(StatusDone)
	if len(aliases) == 0 {
		t.Fatal("expected done aliases")
	}
	found := false
	for _, a := range aliases {
		if a == "resolved" {
			found = true
		}
	}
	if !found {
		t.Error("expected resolved among done aliases")
	}
	if len(TransitionAliases(StatusDraft)) != 0 {
		t.Error("draft has no transition aliases")
	}
}
