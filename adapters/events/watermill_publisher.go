package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

const (
	TopicSessionRevoked = "walletauth.session.revoked"
	TopicReuseDetected  = "walletauth.refresh.reuse_detected"
	TopicRiskAssessed   = "walletauth.risk.assessed"
)

// RevocationEvent carries revoked jtis to every instance
type RevocationEvent struct {
	SessionID string                 `json:"sid"`
	Entries   []core.RevocationEntry `json:"entries"`
}

// ReuseDetectedEvent reports a replayed refresh token
type ReuseDetectedEvent struct {
	Address   string `json:"address"`
	SessionID string `json:"sid"`
	JTI       string `json:"jti"`
}

// RiskAssessedEvent mirrors an appended RiskEvent
type RiskAssessedEvent struct {
	Address string `json:"address"`
	*core.RiskEvent
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishRevocation publishes the jtis revoked for a session
func (p *WatermillPublisher) PublishRevocation(ctx context.Context, sessionID string, entries []core.RevocationEntry) error {
	return p.publish(ctx, TopicSessionRevoked, sessionID, RevocationEvent{
		SessionID: sessionID,
		Entries:   entries,
	})
}

// PublishReuseDetected publishes a refresh token replay
func (p *WatermillPublisher) PublishReuseDetected(ctx context.Context, address core.Address, sessionID, jti string) error {
	return p.publish(ctx, TopicReuseDetected, sessionID, ReuseDetectedEvent{
		Address:   address.String(),
		SessionID: sessionID,
		JTI:       jti,
	})
}

// PublishRiskEvent publishes a risk assessment
func (p *WatermillPublisher) PublishRiskEvent(ctx context.Context, e *core.RiskEvent) error {
	return p.publish(ctx, TopicRiskAssessed, "", RiskAssessedEvent{
		Address:   e.Address.String(),
		RiskEvent: e,
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, sessionID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if sessionID != "" {
		msg.Metadata.Set("sid", sessionID)
	}

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
