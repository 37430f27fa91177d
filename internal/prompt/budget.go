package prompt

import "errors"

// ErrBudgetExceeded is returned when an assembled payload, plus the reserved
// reply budget, cannot fit the target model's context window. Assembly never
// truncates mid-sentence to force a fit.
var ErrBudgetExceeded = errors.New("assembled payload exceeds context budget")

// EstimateTokens approximates token count at ~4 characters per token. A rough
// estimate is fine here: the reply reserve absorbs tokenizer variance.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
