package chat

// Notifier delivers outbound notifications to connected parties. The
// transport layer implements it; tests substitute a recorder. Sends must not
// block the caller.
type Notifier interface {
	// ToCustomer delivers an event to one customer's channel
	ToCustomer(customerID string, event interface{})

	// ToAgent delivers an event to one agent's channel
	ToAgent(agentID string, event interface{})

	// BroadcastAgents delivers an event to every connected agent
	BroadcastAgents(event interface{})

	// BroadcastAll delivers an event to every connected party
	BroadcastAll(event interface{})
}

// Responder produces a scripted reply for a message when no agent is
// assigned. Implementations are stateless from the engine's perspective.
type Responder interface {
	Reply(text string) string
}
