package chat

import "errors"

var (
	// ErrConversationNotFound is returned when an operation references a
	// conversation that does not exist and does not implicitly create one.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAlreadyAssigned is returned by RequestHuman and AcceptWaiting when
	// the conversation is already active with an agent.
	ErrAlreadyAssigned = errors.New("conversation already assigned")

	// ErrNotWaiting is returned by AcceptWaiting when the customer is no
	// longer in the waiting queue, typically because a concurrent acceptance
	// won the race.
	ErrNotWaiting = errors.New("customer no longer waiting")

	// ErrAgentUnavailable is returned by AcceptWaiting when the accepting
	// agent is not registered or cannot take a conversation.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrUnauthorizedSender is returned when an agent message claims
	// authorship of a conversation it is not assigned to.
	ErrUnauthorizedSender = errors.New("sender not assigned to conversation")

	// ErrStoreUnavailable wraps durable persistence failures. In-memory
	// delivery has already happened when it is returned from the router.
	ErrStoreUnavailable = errors.New("store unavailable")
)
