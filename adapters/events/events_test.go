package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/stretchr/testify/require"
)

var alice = core.MustParseAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishRevocation(t *testing.T) {
	ps := newPubSub(t)
	ch, err := ps.Subscribe(context.Background(), TopicSessionRevoked)
	require.NoError(t, err)

	entries := []core.RevocationEntry{{JTI: "a1", SessionID: "s1", Reason: core.ReasonLogout}}
	require.NoError(t, NewWatermillPublisher(ps).PublishRevocation(context.Background(), "s1", entries))

	msg := receive(t, ch)
	require.Equal(t, "s1", msg.Metadata.Get("sid"))

	var ev RevocationEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	require.Equal(t, "s1", ev.SessionID)
	require.Equal(t, "a1", ev.Entries[0].JTI)
}

func TestPublishReuseAndRisk(t *testing.T) {
	ps := newPubSub(t)
	reuse, err := ps.Subscribe(context.Background(), TopicReuseDetected)
	require.NoError(t, err)
	risk, err := ps.Subscribe(context.Background(), TopicRiskAssessed)
	require.NoError(t, err)

	pub := NewWatermillPublisher(ps)
	require.NoError(t, pub.PublishReuseDetected(context.Background(), alice, "s1", "r1"))
	require.NoError(t, pub.PublishRiskEvent(context.Background(), &core.RiskEvent{
		ID: "e1", Address: alice, Score: 35, Action: core.ActionMonitor,
		Factors: []core.RiskFactor{{Name: core.FactorFailedVerifications, Points: 35}},
	}))

	var rev ReuseDetectedEvent
	require.NoError(t, json.Unmarshal(receive(t, reuse).Payload, &rev))
	require.Equal(t, alice.String(), rev.Address)
	require.Equal(t, "r1", rev.JTI)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(receive(t, risk).Payload, &raw))
	require.Equal(t, alice.String(), raw["address"])
	require.Equal(t, "monitor", raw["action_taken"])
	require.EqualValues(t, 35, raw["score"])
}

type recordingSink struct {
	mu   sync.Mutex
	jtis []string
}

func (s *recordingSink) Remember(entries ...core.RevocationEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.jtis = append(s.jtis, e.JTI)
	}
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jtis...)
}

func TestRevocationSubscriberFeedsSink(t *testing.T) {
	ps := newPubSub(t)
	sink := &recordingSink{}
	sub := NewRevocationSubscriber(ps, sink, logx.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	pub := NewWatermillPublisher(ps)
	require.Eventually(t, func() bool {
		_ = pub.PublishRevocation(context.Background(), "s1", []core.RevocationEntry{{JTI: "a1"}, {JTI: "r1"}})
		return len(sink.snapshot()) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, ps.Publish(TopicSessionRevoked, message.NewMessage(watermill.NewUUID(), []byte("{"))))

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []string{"a1", "r1"}, sink.snapshot()[:2])
}
