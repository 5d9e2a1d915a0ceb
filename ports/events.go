package ports

import (
	"context"

	"github.com/layer-3/walletauth/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishRevocation(ctx context.Context, sessionID string, entries []core.RevocationEntry) error
	PublishReuseDetected(ctx context.Context, address core.Address, sessionID, jti string) error
	PublishRiskEvent(ctx context.Context, e *core.RiskEvent) error
}
