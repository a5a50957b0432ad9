// Package responder implements the scripted fallback that answers customer
// messages when no agent is assigned.
package responder

import "strings"

// Rule maps a set of trigger keywords to a canned reply
type Rule struct {
	Keywords []string
	Reply    string
}

// Keyword is a case-insensitive keyword-table responder. Rules are checked
// in order; the first rule with a matching keyword wins, otherwise the
// default reply is returned. Stateless and safe for concurrent use.
type Keyword struct {
	rules        []Rule
	defaultReply string
}

// NewKeyword creates a responder from an ordered rule table
func NewKeyword(rules []Rule, defaultReply string) *Keyword {
	return &Keyword{rules: rules, defaultReply: defaultReply}
}

// Default returns a responder with a generic support-desk script
func Default() *Keyword {
	return NewKeyword([]Rule{
		{
			Keywords: []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"},
			Reply:    "Hi! Welcome to support. How can I help you today?",
		},
		{
			Keywords: []string{"hours", "open", "opening"},
			Reply:    "Our support desk is staffed Monday through Friday, 9:00 to 18:00.",
		},
		{
			Keywords: []string{"price", "pricing", "cost", "fees"},
			Reply:    "You can find current pricing on our website, or ask to speak with an agent for a quote.",
		},
		{
			Keywords: []string{"agent", "human", "person", "representative"},
			Reply:    "If you'd like to talk to a human agent, use the \"request agent\" button and we'll connect you.",
		},
		{
			Keywords: []string{"bye", "goodbye", "thanks", "thank you"},
			Reply:    "Thank you for contacting us. Have a great day!",
		},
	}, "I'm not sure I understood that. You can ask about hours or pricing, or request a human agent.")
}

// Reply returns the scripted response for a message
func (k *Keyword) Reply(text string) string {
	lower := strings.ToLower(text)
	for _, rule := range k.rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(lower, keyword) {
				return rule.Reply
			}
		}
	}
	return k.defaultReply
}
