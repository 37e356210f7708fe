package agent

import "testing"

func TestParseReply(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantText  string
		wantNeeds bool
	}{
		{
			name:      "structured with needs_reply false",
			raw:       `{"response":"noted","needs_reply":false}`,
			wantText:  "noted",
			wantNeeds: false,
		},
		{
			name:      "structured with needs_reply true",
			raw:       `{"response":"here you go","needs_reply":true}`,
			wantText:  "here you go",
			wantNeeds: true,
		},
		{
			name:      "structured without flag defaults to reply",
			raw:       `{"response":"hello"}`,
			wantText:  "hello",
			wantNeeds: true,
		},
		{
			name:      "plain text passes through",
			raw:       "just a plain answer",
			wantText:  "just a plain answer",
			wantNeeds: true,
		},
		{
			name:      "json without response field passes through",
			raw:       `{"foo":"bar"}`,
			wantText:  `{"foo":"bar"}`,
			wantNeeds: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, needs := parseReply(tt.raw)
			if text != tt.wantText || needs != tt.wantNeeds {
				t.Errorf("parseReply(%q) = (%q, %v), want (%q, %v)",
					tt.raw, text, needs, tt.wantText, tt.wantNeeds)
			}
		})
	}
}
