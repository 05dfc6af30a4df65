package quictpu

import (
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastlane-go/tpuclient/pkg/tracker"
)

// startTestTPUListener runs a bare-bones QUIC server that reads every
// unidirectional stream it receives and forwards the payload on a
// channel, mimicking what a validator's TPU-QUIC ingest does with our
// fire-and-forget sends.
func startTestTPUListener(t *testing.T) (addr string, received chan []byte) {
	t.Helper()

	tlsConf, err := selfSignedTLSConfig(alpnProtocol)
	require.NoError(t, err)

	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, &quic.Config{MaxIdleTimeout: idleTimeout})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan []byte, 16)
	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				for {
					stream, err := conn.AcceptUniStream(context.Background())
					if err != nil {
						return
					}
					go func() {
						buf := make([]byte, 4096)
						n, _ := stream.Read(buf)
						if n > 0 {
							ch <- append([]byte(nil), buf[:n]...)
						}
					}()
				}
			}()
		}
	}()

	return ln.Addr().String(), ch
}

func newTestManager(t *testing.T) *ConnectionManager {
	t.Helper()
	m, err := NewConnectionManager()
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return m
}

func TestSendToLeaderOnceDeliversPayload(t *testing.T) {
	addr, received := startTestTPUListener(t)
	m := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, m.sendToLeaderOnce(ctx, addr, []byte("signed-tx-bytes")))

	select {
	case payload := <-received:
		assert.Equal(t, "signed-tx-bytes", string(payload))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the listener to observe the payload")
	}
}

func TestGetOrCreateConnectionReusesCachedEntry(t *testing.T) {
	addr, _ := startTestTPUListener(t)
	m := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn1, err := m.getOrCreateConnection(ctx, addr)
	require.NoError(t, err)
	conn2, err := m.getOrCreateConnection(ctx, addr)
	require.NoError(t, err)
	assert.Same(t, conn1, conn2)
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestSendToLeadersReportsSuccessAndFailure(t *testing.T) {
	addr, received := startTestTPUListener(t)
	m := newTestManager(t)

	leaders := []tracker.LeaderInfo{
		{Identity: "good-leader", Socket: addr},
		{Identity: "dead-leader", Socket: "127.0.0.1:1"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := m.SendToLeaders(ctx, leaders, []byte("tx-bytes"))
	assert.True(t, result.Delivered)
	assert.Equal(t, 1, result.LeaderSuccesses)
	require.Len(t, result.PerLeader, 2)

	select {
	case payload := <-received:
		assert.Equal(t, "tx-bytes", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("good leader never observed the payload")
	}

	var sawFailure bool
	for _, r := range result.PerLeader {
		if r.Identity == "dead-leader" {
			sawFailure = true
			assert.False(t, r.Success)
			assert.NotEmpty(t, r.Error)
		}
	}
	assert.True(t, sawFailure)
}

func TestConnectionCountAndCloseAll(t *testing.T) {
	addr, _ := startTestTPUListener(t)
	m, err := NewConnectionManager()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = m.getOrCreateConnection(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ConnectionCount())

	m.CloseAll()
	assert.Equal(t, 0, m.ConnectionCount())
	m.CloseAll() // idempotent
}

func TestPrewarmConnectionsPopulatesCache(t *testing.T) {
	addr, _ := startTestTPUListener(t)
	m := newTestManager(t)

	m.PrewarmConnections(context.Background(), []tracker.LeaderInfo{{Identity: "l", Socket: addr}})
	assert.Eventually(t, func() bool {
		return m.ConnectionCount() == 1
	}, 2*time.Second, 20*time.Millisecond)
}
