package scanner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// Scanning is idempotent: redacted output contains no further matches, no
// matter what surrounds the secret.
func TestProperty_Scanner_RedactionIdempotent(t *testing.T) {
	sc := New(nil, zap.NewNop())

	rapid.Check(t, func(rt *rapid.T) {
		prefix := rapid.StringMatching(`[a-zA-Z0-9 .,]{0,40}`).Draw(rt, "prefix")
		suffix := rapid.StringMatching(`[a-zA-Z0-9 .,]{0,40}`).Draw(rt, "suffix")
		keyBody := rapid.StringMatching(`[A-Za-z0-9]{20,40}`).Draw(rt, "keyBody")

		text := prefix + "sk-" + keyBody + suffix

		redacted, matches := sc.Scan(text)
		require.NotEmpty(rt, matches, "generated key must be detected in %q", text)

		again, second := sc.Scan(redacted)
		assert.Empty(rt, second, "re-scan of %q found matches", redacted)
		assert.Equal(rt, redacted, again)
	})
}

// Scan never panics and non-span text survives redaction untouched.
func TestProperty_Scanner_TotalAndSpanExact(t *testing.T) {
	sc := New(nil, zap.NewNop())

	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.String().Draw(rt, "text")

		redacted, matches := sc.Scan(text)

		// Spans are within bounds, ordered, and non-overlapping.
		prev := 0
		for _, m := range matches {
			require.True(rt, m.Start >= prev, "spans out of order")
			require.True(rt, m.End <= len(text), "span past end")
			require.True(rt, m.Start < m.End, "empty span")
			prev = m.End
		}

		if len(matches) == 0 {
			assert.Equal(rt, text, redacted)
			return
		}

		// Reconstruct: replacing each span with its placeholder yields the
		// redacted output exactly.
		var b strings.Builder
		last := 0
		for _, m := range matches {
			b.WriteString(text[last:m.Start])
			b.WriteString(placeholder(m.Kind))
			last = m.End
		}
		b.WriteString(text[last:])
		assert.Equal(rt, b.String(), redacted)
	})
}
