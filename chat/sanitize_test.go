package chat

import (
	"strings"
	"testing"
)

func TestSanitizeChannelName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"myorg/myrepo", "myorg-myrepo"},
		{"MyOrg/MyRepo@feature-branch", "myorg-myrepo-feature-branch"},
		{"hello world", "hello-world"},
		{"a___b", "a-b"},
		{"--already--hyphened--", "already-hyphened"},
		{"UPPER", "upper"},
		{"", "claude-session"},
		{"///", "claude-session"},
		{"日本語", "claude-session"},
		{"repo.v2", "repo-v2"},
	}
	for _, c := range cases {
		if got := SanitizeChannelName(c.in); got != c.want {
			t.Errorf("SanitizeChannelName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizeChannelNameIdempotent(t *testing.T) {
	inputs := []string{"myorg/myrepo", "A b C", "x", strings.Repeat("ab-", 50), "@@@"}
	for _, in := range inputs {
		once := SanitizeChannelName(in)
		twice := SanitizeChannelName(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestSanitizeChannelNameLength(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := SanitizeChannelName(long)
	if len(got) != 64 {
		t.Fatalf("length = %d, want 64", len(got))
	}

	// Truncation must not leave a trailing hyphen.
	tricky := strings.Repeat("abc-", 40)
	got = SanitizeChannelName(tricky)
	if len(got) > 64 || strings.HasSuffix(got, "-") {
		t.Fatalf("bad truncation: %q (len %d)", got, len(got))
	}
}
