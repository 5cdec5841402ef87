// Package tokenizer provides token counting used for budget accounting.
package tokenizer

// Tokenizer is the unified token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count of the given text.
	CountTokens(text string) (int, error)

	// MaxTokens returns the model's maximum context length.
	MaxTokens() int

	// Name returns the tokenizer name.
	Name() string
}

// ForModel returns the best available tokenizer for the given model. Models
// with a known tiktoken encoding get exact counts; everything else falls back
// to the character-ratio estimator.
func ForModel(model string) Tokenizer {
	if t, err := NewTiktokenTokenizer(model); err == nil {
		return t
	}
	return NewEstimatorTokenizer(model, 0)
}
