package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestMemoryBrokerRoutesToOtherEndpoint(t *testing.T) {
	broker := NewMemoryBroker(quietLogger())
	caller := broker.Endpoint("caller")
	callee := broker.Endpoint("callee")

	var mu sync.Mutex
	var received []*Message
	require.NoError(t, callee.Subscribe("session-1", func(msg *Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}))

	require.NoError(t, caller.Send(context.Background(), &Message{
		Type:      TypeRing,
		SessionID: "session-1",
		From:      "patient-1",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, TypeRing, received[0].Type)
	mu.Unlock()
}

func TestMemoryBrokerDoesNotEchoToSender(t *testing.T) {
	broker := NewMemoryBroker(quietLogger())
	caller := broker.Endpoint("caller")

	var mu sync.Mutex
	count := 0
	require.NoError(t, caller.Subscribe("session-1", func(*Message) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	require.NoError(t, caller.Send(context.Background(), &Message{
		Type:      TypeHangup,
		SessionID: "session-1",
	}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, count, "sender must not receive its own message")
	mu.Unlock()
}

func TestMemoryBrokerPreservesOrder(t *testing.T) {
	broker := NewMemoryBroker(quietLogger())
	caller := broker.Endpoint("caller")
	callee := broker.Endpoint("callee")

	var mu sync.Mutex
	var types []Type
	require.NoError(t, callee.Subscribe("session-1", func(msg *Message) {
		mu.Lock()
		types = append(types, msg.Type)
		mu.Unlock()
	}))

	sequence := []Type{TypeRing, TypeAccept, TypeNegotiation, TypeHangup}
	for _, typ := range sequence {
		msg := &Message{Type: typ, SessionID: "session-1"}
		if typ == TypeNegotiation {
			msg.Payload = []byte(`{"kind":"sdp"}`)
		}
		require.NoError(t, caller.Send(context.Background(), msg))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == len(sequence)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, sequence, types)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewMemoryBroker(quietLogger())
	caller := broker.Endpoint("caller")
	callee := broker.Endpoint("callee")

	var mu sync.Mutex
	count := 0
	require.NoError(t, callee.Subscribe("session-1", func(*Message) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	callee.Unsubscribe("session-1")
	callee.Unsubscribe("session-1") // idempotent

	require.NoError(t, caller.Send(context.Background(), &Message{
		Type:      TypeRing,
		SessionID: "session-1",
	}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
}

func TestClosedAdapterRefusesSend(t *testing.T) {
	broker := NewMemoryBroker(quietLogger())
	caller := broker.Endpoint("caller")

	require.NoError(t, caller.Close())
	err := caller.Send(context.Background(), &Message{
		Type:      TypeRing,
		SessionID: "session-1",
	})
	assert.Error(t, err)
}
