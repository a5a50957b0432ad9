package responder

import "testing"

func TestKeywordRuleOrder(t *testing.T) {
	r := NewKeyword([]Rule{
		{Keywords: []string{"billing"}, Reply: "billing reply"},
		{Keywords: []string{"billing", "invoice"}, Reply: "invoice reply"},
	}, "default reply")

	// First matching rule wins
	if got := r.Reply("question about billing"); got != "billing reply" {
		t.Errorf("expected first rule to win, got %q", got)
	}
	if got := r.Reply("where is my invoice"); got != "invoice reply" {
		t.Errorf("expected second rule, got %q", got)
	}
	if got := r.Reply("something else entirely"); got != "default reply" {
		t.Errorf("expected default reply, got %q", got)
	}
}

func TestKeywordCaseInsensitive(t *testing.T) {
	r := NewKeyword([]Rule{
		{Keywords: []string{"refund"}, Reply: "refund reply"},
	}, "default reply")

	for _, text := range []string{"REFUND", "Refund please", "i want a ReFuNd"} {
		if got := r.Reply(text); got != "refund reply" {
			t.Errorf("Reply(%q) = %q, expected refund reply", text, got)
		}
	}
}

func TestDefaultScript(t *testing.T) {
	r := Default()

	tests := []struct {
		text string
		want string
	}{
		{"hello there", "Hi! Welcome to support. How can I help you today?"},
		{"what are your hours", "Our support desk is staffed Monday through Friday, 9:00 to 18:00."},
		{"how much does it cost", "You can find current pricing on our website, or ask to speak with an agent for a quote."},
		{"thanks, bye", "Thank you for contacting us. Have a great day!"},
	}
	for _, tt := range tests {
		if got := r.Reply(tt.text); got != tt.want {
			t.Errorf("Reply(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}

	if got := r.Reply("xyzzy"); got != "I'm not sure I understood that. You can ask about hours or pricing, or request a human agent." {
		t.Errorf("unexpected default reply %q", got)
	}
}
