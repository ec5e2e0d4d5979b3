package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, Settings{}.Validate())
	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.Enabled = true
	require.NoError(t, s.Validate())
	s.Group = ""
	require.Error(t, s.Validate())
}

func TestBuildBusFallsBackToGoChannel(t *testing.T) {
	bus, err := BuildBus(Settings{})
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.Subscriber.Subscribe(ctx, "chat.c1-")
	require.NoError(t, err)
	require.NoError(t, bus.Publisher.Publish("chat.c1-", message.NewMessage(watermill.NewUUID(), []byte("hi"))))

	select {
	case m := <-msgs:
		require.Equal(t, "hi", string(m.Payload))
		m.Ack()
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus message")
	}
}
