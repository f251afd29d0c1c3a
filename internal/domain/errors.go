package domain

import "errors"

// Error taxonomy. Domain precondition violations are surfaced
// synchronously to the caller; transient store failures are retryable;
// delivery timeouts are deliberately invisible to senders.
var (
	// ErrUnauthorized: the actor is not entitled to perform the
	// transition (accepting someone else's request, deleting a group
	// it did not create, marking someone else's message read).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFriends / ErrNotMember: authorization preconditions for
	// direct and group messaging.
	ErrNotFriends = errors.New("users are not friends")
	ErrNotMember  = errors.New("user is not a group member")

	// Domain precondition violations on the friend graph and groups.
	ErrDuplicateRequest = errors.New("a pending request already exists")
	ErrAlreadyFriends   = errors.New("users are already friends")
	ErrInvalidTarget    = errors.New("invalid target user")
	ErrEmptyGroup       = errors.New("group needs at least one member besides the creator")

	// ErrNotFound: the referenced user/message/group/request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument: malformed input rejected at the boundary.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransientStore: the persistence layer is unavailable; the
	// caller may retry.
	ErrTransientStore = errors.New("transient store failure")

	// ErrDeliveryTimeout: a recipient connection did not accept a push
	// in time. The message is durably stored, so this is never
	// reported to the sender as a failure.
	ErrDeliveryTimeout = errors.New("delivery timed out")
)
