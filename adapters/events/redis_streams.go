package events

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
)

// NewRedisStreams connects a publisher and subscriber to redis streams.
// Streams are trimmed to about maxLen entries. The subscriber reads in
// fan-out mode from the stream tail, so every instance sees every event and
// no consumer group is left behind when an instance goes away.
func NewRedisStreams(client redis.UniversalClient, maxLen int64, logger watermill.LoggerAdapter) (*redisstream.Publisher, *redisstream.Subscriber, error) {
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:        client,
		Marshaller:    redisstream.DefaultMarshallerUnmarshaller{},
		DefaultMaxlen: maxLen,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}

	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:         client,
		Unmarshaller:   redisstream.DefaultMarshallerUnmarshaller{},
		FanOutOldestId: "$",
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, nil, fmt.Errorf("failed to create redis subscriber: %w", err)
	}
	return pub, sub, nil
}
