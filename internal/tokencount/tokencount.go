// Package tokencount provides a deterministic token estimator used for
// reservation upper bounds and as a fallback when a provider does not report
// usage. It is intentionally conservative: over-estimating holds slightly
// more balance; under-estimating risks settling below zero.
package tokencount

import (
	"unicode"
	"unicode/utf8"
)

// Estimate returns a deterministic token count estimate for s.
//
// The heuristic approximates byte-pair encodings: runs of ASCII letters and
// digits cost roughly one token per four characters, every other rune costs
// one token. Whitespace is free but terminates runs.
func Estimate(s string) int64 {
	var tokens int64
	run := 0
	flush := func() {
		if run > 0 {
			tokens += int64((run + 3) / 4)
			run = 0
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			run++
		default:
			// Punctuation and non-ASCII runes tokenize poorly; charge one each.
			flush()
			tokens++
		}
	}
	flush()
	return tokens
}

// UpperBound computes the conservative reservation bound for a request:
// the estimated prompt tokens plus the full output allowance.
func UpperBound(systemPrompt, content string, maxTokens int) int64 {
	return Estimate(systemPrompt) + Estimate(content) + int64(maxTokens)
}
