// Package quictpu delivers pre-signed Solana transactions to validator
// TPU ports over QUIC: a pool of client endpoints, a coalescing
// per-address connection cache, and a retrying parallel fan-out.
package quictpu

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/fastlane-go/tpuclient/pkg/slog"
	"github.com/fastlane-go/tpuclient/pkg/tpuerr"
	"github.com/fastlane-go/tpuclient/pkg/tracker"
)

const (
	// NumEndpoints is the number of independent QUIC client endpoints
	// kept open; spreading dials across them avoids contention on any
	// one endpoint's internal state under load.
	NumEndpoints = 5

	alpnProtocol = "solana-tpu"

	idleTimeout = 30 * time.Second
	keepAlive   = 4 * time.Second

	// MaxSendAttempts bounds retries of a single leader's delivery.
	MaxSendAttempts = 3
	// RetryDelay is the pause between attempts.
	RetryDelay = 50 * time.Millisecond
	// LeaderSendTimeout bounds the whole retry sequence for one leader.
	LeaderSendTimeout = time.Second
	// FanoutCeiling bounds how long send_to_leaders waits on the whole
	// fan-out regardless of individual leader progress.
	FanoutCeiling = 800 * time.Millisecond
)

type endpoint struct {
	transport *quic.Transport
}

func (e *endpoint) close() {
	e.transport.Close()
	_ = e.transport.Conn.Close()
}

// connEntry is a per-address cache slot. An entry is inserted empty
// (ready not yet closed) before the dial starts, so concurrent callers
// for the same address wait on the same dial instead of each starting
// their own.
type connEntry struct {
	ready chan struct{}
	mu    sync.Mutex
	conn  quic.Connection
	err   error
}

func (e *connEntry) set(conn quic.Connection, err error) {
	e.mu.Lock()
	e.conn, e.err = conn, err
	e.mu.Unlock()
	close(e.ready)
}

func (e *connEntry) get() (quic.Connection, error) {
	<-e.ready
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn, e.err
}

func (e *connEntry) live() bool {
	<-e.ready
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err == nil && e.conn != nil && e.conn.Context().Err() == nil
}

// ConnectionManager owns a pool of QUIC endpoints and a cache of
// per-address connections, and sends fire-and-forget transaction
// payloads to validator TPU ports over unidirectional streams.
type ConnectionManager struct {
	endpoints []*endpoint
	next      atomic.Uint64
	cache     sync.Map // address string -> *connEntry
	tlsConf   *tls.Config
	closeOnce sync.Once
}

// NewConnectionManager binds NumEndpoints ephemeral UDP sockets and
// generates the process-scoped self-signed client certificate used for
// every outgoing connection.
func NewConnectionManager() (*ConnectionManager, error) {
	tlsConf, err := selfSignedTLSConfig(alpnProtocol)
	if err != nil {
		return nil, err
	}

	endpoints := make([]*endpoint, 0, NumEndpoints)
	for i := 0; i < NumEndpoints; i++ {
		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			for _, e := range endpoints {
				e.close()
			}
			return nil, fmt.Errorf("failed to bind quic endpoint %d: %w", i, err)
		}
		endpoints = append(endpoints, &endpoint{transport: &quic.Transport{Conn: udpConn}})
	}

	return &ConnectionManager{
		endpoints: endpoints,
		tlsConf:   tlsConf,
	}, nil
}

func (m *ConnectionManager) selectEndpoint() *endpoint {
	idx := m.next.Add(1) % uint64(len(m.endpoints))
	return m.endpoints[idx]
}

func sni(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("invalid leader address %q: %w", address, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid leader port %q: %w", address, err)
	}
	return fmt.Sprintf("%s.%s.sol", host, port), nil
}

// getOrCreateConnection returns a live connection to address, reusing a
// cached one if its close-reason is absent, otherwise dialing fresh.
func (m *ConnectionManager) getOrCreateConnection(ctx context.Context, address string) (quic.Connection, error) {
	if v, ok := m.cache.Load(address); ok {
		entry := v.(*connEntry)
		if entry.live() {
			conn, _ := entry.get()
			return conn, nil
		}
		m.cache.Delete(address)
	}

	entry := &connEntry{ready: make(chan struct{})}
	actual, loaded := m.cache.LoadOrStore(address, entry)
	if loaded {
		return actual.(*connEntry).get()
	}

	conn, err := m.dial(ctx, address)
	entry.set(conn, err)
	if err != nil {
		m.cache.Delete(address)
		return nil, err
	}
	return conn, nil
}

func (m *ConnectionManager) dial(ctx context.Context, address string) (quic.Connection, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("invalid leader address %q: %w", address, err)
	}
	serverName, err := sni(address)
	if err != nil {
		return nil, err
	}

	tlsConf := m.tlsConf.Clone()
	tlsConf.ServerName = serverName

	quicConf := &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
	}

	ep := m.selectEndpoint()
	conn, err := ep.transport.DialEarly(ctx, udpAddr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	// DialEarly is used, but with no TLS session cache there is no
	// resumption, so no 0-RTT data is sent. Handshake completion is
	// watched in the background purely for observability.
	go func() {
		select {
		case <-conn.HandshakeComplete():
			slog.Get().Debugf("handshake complete for %s", address)
		case <-conn.Context().Done():
		}
	}()

	return conn, nil
}

// sendToLeaderOnce opens one unidirectional stream, writes the whole
// payload, and finishes it. No response is read back.
func (m *ConnectionManager) sendToLeaderOnce(ctx context.Context, address string, tx []byte) error {
	conn, err := m.getOrCreateConnection(ctx, address)
	if err != nil {
		return err
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("stream open failed: %w", err)
	}
	if _, err := stream.Write(tx); err != nil {
		return fmt.Errorf("stream write failed: %w", err)
	}
	return stream.Close()
}

// sendToLeaderWithRetry attempts delivery to one leader up to
// MaxSendAttempts times, stopping early on a non-retryable classified
// error, the whole sequence bounded by LeaderSendTimeout.
func (m *ConnectionManager) sendToLeaderWithRetry(ctx context.Context, leader tracker.LeaderInfo, tx []byte) LeaderDeliveryResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, LeaderSendTimeout)
	defer cancel()

	result := LeaderDeliveryResult{Identity: leader.Identity, Address: leader.Socket}

	var lastErr error
	for attempt := 1; attempt <= MaxSendAttempts; attempt++ {
		result.Attempts = attempt
		err := m.sendToLeaderOnce(ctx, leader.Socket, tx)
		if err == nil {
			result.Success = true
			result.Latency = time.Since(start)
			return result
		}
		lastErr = err

		if ctx.Err() != nil {
			lastErr = fmt.Errorf("timeout after %s: %w", LeaderSendTimeout, ctx.Err())
			break
		}
		code := tpuerr.Classify(err)
		if !code.IsRetryable() || attempt == MaxSendAttempts {
			break
		}
		select {
		case <-time.After(RetryDelay):
		case <-ctx.Done():
			lastErr = fmt.Errorf("timeout after %s: %w", LeaderSendTimeout, ctx.Err())
		}
	}

	result.Latency = time.Since(start)
	result.Error = string(tpuerr.Classify(lastErr))
	return result
}
