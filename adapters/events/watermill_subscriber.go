package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/walletauth/core"
)

// RevocationSink receives revocations made by any instance.
type RevocationSink interface {
	Remember(entries ...core.RevocationEntry)
}

// RevocationSubscriber feeds revocation events into a local cache
type RevocationSubscriber struct {
	subscriber message.Subscriber
	sink       RevocationSink
	logger     *slog.Logger
}

// NewRevocationSubscriber creates a subscriber for TopicSessionRevoked
func NewRevocationSubscriber(subscriber message.Subscriber, sink RevocationSink, logger *slog.Logger) *RevocationSubscriber {
	return &RevocationSubscriber{
		subscriber: subscriber,
		sink:       sink,
		logger:     logger,
	}
}

// Run consumes revocation events until ctx is done.
func (s *RevocationSubscriber) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, TopicSessionRevoked)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(msg)
		}
	}
}

func (s *RevocationSubscriber) handle(msg *message.Message) {
	// Malformed events are acked; redelivery cannot fix them.
	defer msg.Ack()

	var event RevocationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		s.logger.Warn("revocation_event_malformed", "msg_id", msg.UUID, "error", err)
		return
	}

	s.sink.Remember(event.Entries...)
	s.logger.Debug("revocation_event_applied", "sid", event.SessionID, "count", len(event.Entries))
}
