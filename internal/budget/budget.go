// Package budget provides token budget estimation for prompt assembly.
// Because the pipeline supports multiple LLM backends with different
// tokenizers, it uses a conservative character-based heuristic:
// 1 token ≈ 4 characters (English prose). This deliberately under-estimates
// so assembled prompts leave headroom for model-specific overhead.
package budget

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English text; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default budget for the retrieved
	// context section of a prompt. Conservative enough to fit within
	// 8k-context models while leaving room for the instruction, the
	// question, and the output.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// Fit returns how many of texts, taken in order, fit within maxTokens.
// Each text carries a small per-item overhead for separators. Callers pass
// texts ranked best-first so everything past the cut is the lowest-ranked.
func Fit(texts []string, maxTokens int) int {
	if maxTokens <= 0 {
		return len(texts)
	}
	total := 0
	for i, t := range texts {
		total += 2 // separator overhead
		total += Estimate(t)
		if total > maxTokens {
			return i
		}
	}
	return len(texts)
}
