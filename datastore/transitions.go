package datastore

import (
	"time"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// classifyToken returns the reason a stored token cannot be consumed, or nil.
func classifyToken(token *interfaces.AuthorizationToken, now time.Time) error {
	if token.Used {
		return interfaces.ErrTokenAlreadyUsed
	}
	if !now.Before(token.ExpiresAt) {
		return interfaces.ErrExpiredToken
	}
	return nil
}

// checkFinish validates a report transition from current to the requested
// terminal status. A nil error with current == next means the report is a no-op.
func checkFinish(current, next interfaces.CommandStatus) error {
	if !next.IsTerminal() {
		return interfaces.ErrInvalidParams
	}
	switch {
	case current == interfaces.CommandPending:
		return interfaces.ErrCommandNotDelivered
	case current.IsTerminal() && current != next:
		return interfaces.ErrCommandFinalized
	}
	return nil
}
