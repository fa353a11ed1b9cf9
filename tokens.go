package tutoring

// EstimateTokens estimates the token count for a given text using a Unicode-aware heuristic.
// ASCII characters are weighted at ~4 per token, everything else at ~1 per token.
// Used when the completion service reports no usage and no tokenizer is available.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
