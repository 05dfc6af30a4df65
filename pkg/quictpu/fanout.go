package quictpu

import (
	"context"
	"time"

	"github.com/fastlane-go/tpuclient/pkg/tracker"
)

// SendToLeaders fans a transaction out to every leader in parallel,
// collecting results through a channel sized to the leader count so no
// producer blocks. Collection is bounded by FanoutCeiling regardless of
// individual leader progress; a leader that hasn't reported by then is
// recorded as a timeout.
func (m *ConnectionManager) SendToLeaders(ctx context.Context, leaders []tracker.LeaderInfo, tx []byte) DeliveryResult {
	start := time.Now()
	results := make(chan LeaderDeliveryResult, len(leaders))

	for _, leader := range leaders {
		leader := leader
		go func() {
			results <- m.sendToLeaderWithRetry(ctx, leader, tx)
		}()
	}

	deadline := time.After(FanoutCeiling)
	agg := DeliveryResult{PerLeader: make([]LeaderDeliveryResult, 0, len(leaders))}

collect:
	for i := 0; i < len(leaders); i++ {
		select {
		case r := <-results:
			agg.PerLeader = append(agg.PerLeader, r)
			agg.TotalRetries += r.Attempts - 1
			recordLeaderResult(r)
			if r.Success {
				agg.LeaderSuccesses++
			}
		case <-deadline:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	reported := make(map[string]bool, len(agg.PerLeader))
	for _, r := range agg.PerLeader {
		reported[r.Address] = true
	}
	for _, leader := range leaders {
		if reported[leader.Socket] {
			continue
		}
		agg.PerLeader = append(agg.PerLeader, LeaderDeliveryResult{
			Identity: leader.Identity,
			Address:  leader.Socket,
			Error:    "TIMEOUT",
			Attempts: MaxSendAttempts,
		})
	}

	agg.Delivered = agg.LeaderSuccesses > 0
	agg.Latency = time.Since(start)
	SendLatencyHistogram.Observe(agg.Latency.Seconds())
	return agg
}

// PrewarmConnections dials every leader in the given set best-effort,
// in the background, to populate the connection cache ahead of an
// actual send.
func (m *ConnectionManager) PrewarmConnections(ctx context.Context, leaders []tracker.LeaderInfo) {
	for _, leader := range leaders {
		leader := leader
		go func() {
			_, _ = m.getOrCreateConnection(ctx, leader.Socket)
		}()
	}
}

// ConnectionCount returns the number of cache entries currently holding
// a live connection.
func (m *ConnectionManager) ConnectionCount() int {
	count := 0
	m.cache.Range(func(_, v any) bool {
		if v.(*connEntry).live() {
			count++
		}
		return true
	})
	return count
}

// CloseAll closes every cached connection and clears the cache, then
// tears down the UDP endpoints. Safe to call more than once.
func (m *ConnectionManager) CloseAll() {
	m.closeOnce.Do(func() {
		m.cache.Range(func(key, v any) bool {
			entry := v.(*connEntry)
			if conn, err := entry.get(); err == nil && conn != nil {
				_ = conn.CloseWithError(0, "shutdown")
			}
			m.cache.Delete(key)
			return true
		})
		for _, ep := range m.endpoints {
			ep.close()
		}
	})
}
