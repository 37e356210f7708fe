package agent

import (
	"strings"
	"testing"

	"github.com/parleyline/parley/internal/memory"
)

func msgOfTokens(tokens int) ChatMessage {
	// estimateTokens halves the rune count.
	return ChatMessage{Role: memory.RoleUser, Content: strings.Repeat("x", tokens*2)}
}

func TestTrimToBudgetDropsSemanticFirst(t *testing.T) {
	semantic := []ChatMessage{msgOfTokens(100), msgOfTokens(100)}
	recent := []ChatMessage{msgOfTokens(100), msgOfTokens(100)}

	gotSem, gotRec := trimToBudget(semantic, recent, 250)

	if len(gotRec) != 2 {
		t.Errorf("recent trimmed to %d messages, semantic should go first", len(gotRec))
	}
	if len(gotSem) != 0 {
		t.Errorf("semantic kept %d messages, want 0 within 250-token budget", len(gotSem))
	}
}

func TestTrimToBudgetDropsOldestSemanticFirst(t *testing.T) {
	oldest := msgOfTokens(100)
	newest := msgOfTokens(50)
	semantic := []ChatMessage{oldest, newest}

	gotSem, _ := trimToBudget(semantic, nil, 60)

	if len(gotSem) != 1 || gotSem[0].Content != newest.Content {
		t.Errorf("trim kept %d semantic messages, want only the newest", len(gotSem))
	}
}

func TestTrimToBudgetKeepsNewestRecent(t *testing.T) {
	recent := []ChatMessage{msgOfTokens(100), msgOfTokens(100), msgOfTokens(100)}

	_, gotRec := trimToBudget(nil, recent, 10)

	// The newest recent message survives even over budget; the turn always
	// carries some history.
	if len(gotRec) != 1 {
		t.Errorf("trim kept %d recent messages, want 1", len(gotRec))
	}
}

func TestTrimToBudgetNoopWithinBudget(t *testing.T) {
	semantic := []ChatMessage{msgOfTokens(10)}
	recent := []ChatMessage{msgOfTokens(10)}

	gotSem, gotRec := trimToBudget(semantic, recent, 1000)
	if len(gotSem) != 1 || len(gotRec) != 1 {
		t.Error("trim modified messages that fit the budget")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: "abcd", want: 2},
		{text: "語語語語", want: 2}, // runes, not bytes
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
