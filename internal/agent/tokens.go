package agent

import "unicode/utf8"

// estimateTokens provides a rough token count.
// Rune count divided by 2 is a conservative estimate that works for both
// English (~4 chars/token) and CJK (~1.5 chars/token) text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

func estimateMessagesTokens(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content)
	}
	return total
}

// trimToBudget drops context messages until the estimate fits maxTokens.
//
// Semantic matches are expendable first (oldest first), then recent history
// (oldest first). The current user message is never dropped: callers account
// for it in the budget before trimming. Returns the surviving semantic and
// recent slices.
func trimToBudget(semantic, recent []ChatMessage, maxTokens int) ([]ChatMessage, []ChatMessage) {
	used := estimateMessagesTokens(semantic) + estimateMessagesTokens(recent)
	for used > maxTokens && len(semantic) > 0 {
		used -= estimateTokens(semantic[0].Content)
		semantic = semantic[1:]
	}
	for used > maxTokens && len(recent) > 1 {
		used -= estimateTokens(recent[0].Content)
		recent = recent[1:]
	}
	return semantic, recent
}
