package chat

import "strings"

const maxChannelNameLen = 64

// SanitizeChannelName converts an arbitrary project name into a valid channel
// name: lowercase, only [a-z0-9-], runs of invalid characters collapsed to a
// single hyphen, trimmed, and capped at 64 characters. An input that sanitizes
// to nothing yields "claude-session". The function is idempotent.
func SanitizeChannelName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case valid:
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}

	out := strings.Trim(b.String(), "-")
	if len(out) > maxChannelNameLen {
		out = strings.TrimRight(out[:maxChannelNameLen], "-")
	}
	if out == "" {
		return "claude-session"
	}
	return out
}
