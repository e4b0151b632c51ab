package keyfsm

import (
	"errors"
	"time"

	"paywarp/pkg/models"
)

const (
	Active  = "ACTIVE"
	Expired = "EXPIRED"
	Revoked = "REVOKED"
)

var ErrInvalidTransition = errors.New("invalid session key transition")

type Event string

const (
	EventExpire Event = "EXPIRE"
	EventRevoke Event = "REVOKE"
)

// CanTransition encodes the lifecycle: ACTIVE may expire or be revoked,
// EXPIRED may still be revoked, REVOKED is terminal.
func CanTransition(from, to string) bool {
	switch from {
	case Active:
		return to == Expired || to == Revoked
	case Expired:
		return to == Revoked
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventExpire:
		return Transition(from, Expired)
	case EventRevoke:
		return Transition(from, Revoked)
	default:
		return from, ErrInvalidTransition
	}
}

// IsTerminal reports whether no further transitions exist.
func IsTerminal(status string) bool {
	return status == Revoked
}

// StatusOf derives the single lifecycle status from state flags. Exactly one
// of ACTIVE, EXPIRED, REVOKED holds; revoked wins over everything.
func StatusOf(state models.SessionKeyState, now time.Time) string {
	if state.IsRevoked {
		return Revoked
	}
	if !state.IsActive || IsExpired(state.Config.ExpirationTime, now) {
		return Expired
	}
	return Active
}

// IsExpired is the pure expiry predicate. A zero expiration never expires.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}
