package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat_SendsEnvelopeAndPing(t *testing.T) {
	h, _ := newTestHub(t, nil, Config{HeartbeatInterval: 10 * time.Millisecond})
	conn := newMockConn("c1")

	require.NoError(t, h.RegisterConnection("U1", conn))

	require.Eventually(t, func() bool {
		return conn.count("heartbeat") >= 2 && conn.pingCount() >= 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "connected", conn.events()[0])
}

func TestHeartbeat_FailureUnregisters(t *testing.T) {
	h, registry := newTestHub(t, nil, Config{HeartbeatInterval: 10 * time.Millisecond})
	conn := newMockConn("c1")

	require.NoError(t, h.RegisterConnection("U1", conn))
	require.NoError(t, h.SubscribeTopic("U1", "conv-1"))
	conn.setFailWrites(true)

	require.Eventually(t, func() bool {
		_, ok := registry.ActorOf(conn)
		return !ok
	}, waitFor, 5*time.Millisecond)

	assert.True(t, conn.isClosed())
	assert.Empty(t, registry.SubscribersFor("conv-1"))
	require.Eventually(t, func() bool {
		return h.Stats()["heartbeat_supervisors"] == 0
	}, waitFor, 5*time.Millisecond)
}

func TestHeartbeat_StopsOnUnregister(t *testing.T) {
	h, _ := newTestHub(t, nil, Config{HeartbeatInterval: 10 * time.Millisecond})
	conn := newMockConn("c1")

	require.NoError(t, h.RegisterConnection("U1", conn))
	h.UnregisterConnection("U1", conn)

	// Allow any tick already in flight to land
	time.Sleep(30 * time.Millisecond)
	before := conn.count("heartbeat")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, conn.count("heartbeat"))
}

func TestHeartbeat_ClosedConnectionIsUnregistered(t *testing.T) {
	h, registry := newTestHub(t, nil, Config{})
	conn := newMockConn("c1")

	require.NoError(t, h.RegisterConnection("U1", conn))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		_, ok := registry.ActorOf(conn)
		return !ok
	}, waitFor, 5*time.Millisecond)
}

func TestHeartbeat_StopWaitsForSupervisors(t *testing.T) {
	h, _ := newTestHub(t, nil, Config{HeartbeatInterval: 10 * time.Millisecond})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.RegisterConnection("U1", newMockConn(id)))
	}

	require.NoError(t, h.Stop())
	assert.Equal(t, 0, h.Stats()["heartbeat_supervisors"])
}
