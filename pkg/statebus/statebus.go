package statebus

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventUsage   = "sessionkey.usage"
	EventRevoked = "sessionkey.revoked"
	EventExpired = "sessionkey.expired"
)

// Event is one ledger or lifecycle fact published for downstream sync
// (transaction history, dashboards). The engine publishes and never consumes
// its own events.
type Event struct {
	Type         string          `json:"type"`
	CredentialID string          `json:"credential_id"`
	At           time.Time       `json:"at"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type Consumer interface {
	ReadEvent(ctx context.Context) (Event, error)
	Close() error
}

// NopPublisher discards events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, evt Event) error { return nil }
func (NopPublisher) Close() error                                 { return nil }
