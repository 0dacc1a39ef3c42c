package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newListener(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, conn.LocalAddr().String()
}

func readLine(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestClient_Count(t *testing.T) {
	listener, addr := newListener(t)

	client, err := NewClient(Config{Enabled: true, Address: addr, Prefix: "quill"})
	require.NoError(t, err)
	defer client.Close()

	client.Count("engine.matches", 3, map[string]string{"log_type": "AWS.CloudTrail", "rule_id": "r1"})

	assert.Equal(t, "quill.engine.matches:3|c|#log_type:AWS.CloudTrail,rule_id:r1", readLine(t, listener))
}

func TestClient_Timing(t *testing.T) {
	listener, addr := newListener(t)

	client, err := NewClient(Config{Enabled: true, Address: addr})
	require.NoError(t, err)
	defer client.Close()

	client.Timing("registry.refresh", 1500*time.Millisecond, nil)

	assert.Equal(t, "registry.refresh:1500|ms", readLine(t, listener))
}

func TestClient_DisabledIsNoop(t *testing.T) {
	client, err := NewClient(Config{Enabled: false, Address: "127.0.0.1:1"})
	require.NoError(t, err)

	// Must not panic or block.
	client.Count("x", 1, nil)
	client.Gauge("y", 2.5, nil)
	assert.NoError(t, client.Close())
}

func TestClient_NilReceiverIsNoop(t *testing.T) {
	var client *Client
	client.Count("x", 1, nil)
	assert.NoError(t, client.Close())
}
