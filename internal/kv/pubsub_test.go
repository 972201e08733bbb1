package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPubSubEmbeddedPublishSubscribe(t *testing.T) {
	ps, err := StartEmbedded(t.TempDir(), -1)
	require.NoError(t, err)
	defer ps.Shutdown()

	require.True(t, ps.Health().EmbeddedRunning)

	msgs, cancel, err := ps.Subscribe("sessions.global")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.Publish("sessions.global", []byte(`{"type":"new"}`)))

	select {
	case got := <-msgs:
		require.JSONEq(t, `{"type":"new"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
