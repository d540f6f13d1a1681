package alert

import (
	"context"
	"time"
)

// Channel types.
const (
	TypeEmail   = "email"
	TypeWebhook = "webhook"
	TypeNATS    = "nats"
)

// Channel delivers alert messages to one destination.
type Channel interface {
	// Name identifies the channel in logs, metrics and delivery results.
	Name() string
	Type() string
	// Budget is the total time a Send may take, retries included.
	Budget() time.Duration
	// Send delivers msg and reports how many attempts were made.
	Send(ctx context.Context, msg Message) (attempts int, err error)
}
