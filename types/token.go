package types

// Tokenizer is the token counting strategy used for context budgeting.
// The default is a chars-per-token estimator; a real tokenizer (tiktoken)
// can be substituted without changing the context manager's control flow.
type Tokenizer interface {
	// CountTokens counts tokens in a text string.
	CountTokens(text string) int
}

// DefaultCharsPerToken is the estimator ratio used when none is configured.
// An explicit, acknowledged approximation, not a true tokenizer.
const DefaultCharsPerToken = 4.0

// EstimateTokenizer provides a simple character-based token estimation.
type EstimateTokenizer struct {
	charsPerToken float64
}

// NewEstimateTokenizer creates an estimator with the given ratio.
// Non-positive ratios fall back to DefaultCharsPerToken.
func NewEstimateTokenizer(charsPerToken float64) *EstimateTokenizer {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &EstimateTokenizer{charsPerToken: charsPerToken}
}

// CountTokens counts tokens in text.
func (t *EstimateTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := int(float64(len(text)) / t.charsPerToken)
	if tokens < 1 {
		return 1
	}
	return tokens
}

// TokenizerFunc adapts a plain function to the Tokenizer interface.
type TokenizerFunc func(text string) int

// CountTokens implements Tokenizer.
func (f TokenizerFunc) CountTokens(text string) int { return f(text) }
