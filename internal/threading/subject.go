package threading

import (
	"regexp"
	"strings"
)

var (
	replyForwardPrefix = regexp.MustCompile(`(?i)^(re|fwd?)\s*:`)
	replyPrefix        = regexp.MustCompile(`(?i)^re\s*:`)
)

// NormalizeSubject strips any number of leading RE:, FW: and FWD: prefixes
func NormalizeSubject(subject string) string {
	return stripAll(replyForwardPrefix, subject)
}

// StripReplyPrefix strips leading RE: prefixes only, so "RE: " can be
// prepended exactly once
func StripReplyPrefix(subject string) string {
	return stripAll(replyPrefix, subject)
}

// HasReplyPrefix reports whether subject starts with RE:
func HasReplyPrefix(subject string) bool {
	return replyPrefix.MatchString(strings.TrimSpace(subject))
}

// ReplySubject builds the subject of a reply
func ReplySubject(subject string) string {
	return "RE: " + StripReplyPrefix(subject)
}

func stripAll(re *regexp.Regexp, s string) string {
	for {
		s = strings.TrimSpace(s)
		loc := re.FindStringIndex(s)
		if loc == nil {
			return s
		}
		s = s[loc[1]:]
	}
}
