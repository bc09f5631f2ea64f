package threading

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Invoice 1001", "Invoice 1001"},
		{"RE: Invoice 1001", "Invoice 1001"},
		{"re: Fw: FWD: Invoice 1001", "Invoice 1001"},
		{"  Re :  Invoice 1001  ", "Invoice 1001"},
		{"Return policy", "Return policy"},
		{"Fwd:", ""},
		{"", ""},
		{"Invoice RE: 1001", "Invoice RE: 1001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeSubject(tt.input), "input %q", tt.input)
	}
}

func TestStripReplyPrefix(t *testing.T) {
	assert.Equal(t, "Invoice", StripReplyPrefix("RE: re: Invoice"))
	assert.Equal(t, "FW: Invoice", StripReplyPrefix("RE: FW: Invoice"), "forward prefixes are kept")
	assert.Equal(t, "RE: Invoice", ReplySubject("Re: RE: Invoice"))
	assert.True(t, HasReplyPrefix(" re: x"))
	assert.False(t, HasReplyPrefix("Regarding x"))
}

func TestProperty_SubjectNormalization(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	prefixes := []string{"RE:", "re: ", "Fw:", "FWD: ", " Re : ", "fwd:"}

	properties.Property("normalize_is_idempotent", prop.ForAll(
		func(s string) bool {
			once := NormalizeSubject(s)
			return NormalizeSubject(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("prefixes_do_not_change_normalized_subject", prop.ForAll(
		func(picks []int, s string) bool {
			subject := s
			for _, p := range picks {
				subject = prefixes[p] + subject
			}
			return NormalizeSubject(subject) == NormalizeSubject(s)
		},
		gen.SliceOf(gen.IntRange(0, len(prefixes)-1)),
		gen.AnyString(),
	))

	properties.Property("reply_subject_has_single_prefix", prop.ForAll(
		func(s string) bool {
			once := ReplySubject(s)
			return ReplySubject(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
