package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fastlane-go/tpuclient/pkg/rpc"
	"github.com/fastlane-go/tpuclient/pkg/slog"
)

// NumConsecutiveLeaderSlots is the number of contiguous slots a leader
// produces blocks for.
const NumConsecutiveLeaderSlots = 4

// LeaderInfo is the tuple handed to the sender: who, where, and the
// slot it was computed at.
type LeaderInfo struct {
	Identity string
	Socket   string
	Slot     Slot
}

// TpuSockets holds the resolved addresses for a validator identity. At
// least one of the two must be set for an entry to be kept; Forwards is
// preferred when both are present.
type TpuSockets struct {
	Tpu         *string
	TpuForwards *string
}

func (s TpuSockets) equal(o TpuSockets) bool {
	eq := func(a, b *string) bool {
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	}
	return eq(s.Tpu, o.Tpu) && eq(s.TpuForwards, o.TpuForwards)
}

// preferred returns the forwards socket if present, else the primary.
func (s TpuSockets) preferred() (string, bool) {
	if s.TpuForwards != nil {
		return *s.TpuForwards, true
	}
	if s.Tpu != nil {
		return *s.Tpu, true
	}
	return "", false
}

// ClusterNodesFetcher is the subset of pkg/rpc.Client needed to refresh
// validator socket addresses.
type ClusterNodesFetcher interface {
	GetClusterNodes(ctx context.Context) ([]rpc.ClusterNode, error)
}

// RpcClient is the full set of RPC operations LeaderTracker's
// background tasks depend on.
type RpcClient interface {
	ScheduleFetcher
	ClusterNodesFetcher
	GetSlot(ctx context.Context, commitment rpc.Commitment) (int64, error)
}

// SlotEventSource delivers Start/End events until ctx is cancelled or
// the underlying stream ends; Run should return promptly on either.
type SlotEventSource interface {
	Run(ctx context.Context, onEvent func(SlotEvent)) error
}

// MonotonicSlotSource delivers strictly-increasing slot numbers from a
// source that does not need outlier filtering (e.g. a Geyser/Yellowstone
// gRPC feed).
type MonotonicSlotSource interface {
	Run(ctx context.Context, onSlot func(uint64)) error
}

// LeaderTracker composes SlotsTracker, ScheduleTracker, and the
// identity->socket map, and exposes the routing policy the façade and
// connection manager consult on every send.
type LeaderTracker struct {
	rpcClient RpcClient
	wsSource  SlotEventSource
	grpcSource MonotonicSlotSource

	slotsMu  sync.RWMutex
	slots    *SlotsTracker

	scheduleMu sync.RWMutex
	schedule   *ScheduleTracker

	socketsMu sync.RWMutex
	sockets   map[string]TpuSockets

	readyMu sync.RWMutex
	ready   bool
}

// NewLeaderTracker constructs a tracker and performs the mandatory
// initial schedule fetch. wsSource and grpcSource may both be supplied;
// RunSlotListener prefers grpcSource when non-nil, per spec.
func NewLeaderTracker(ctx context.Context, rpcClient RpcClient, wsSource SlotEventSource, grpcSource MonotonicSlotSource) (*LeaderTracker, error) {
	schedule, err := NewScheduleTracker(ctx, rpcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schedule tracker: %w", err)
	}
	return &LeaderTracker{
		rpcClient:  rpcClient,
		wsSource:   wsSource,
		grpcSource: grpcSource,
		slots:      NewSlotsTracker(),
		schedule:   schedule,
		sockets:    make(map[string]TpuSockets),
	}, nil
}

// IsReady reports whether the slot listener has started receiving
// updates.
func (t *LeaderTracker) IsReady() bool {
	t.readyMu.RLock()
	defer t.readyMu.RUnlock()
	return t.ready
}

func (t *LeaderTracker) setReady() {
	t.readyMu.Lock()
	t.ready = true
	t.readyMu.Unlock()
}

// CurrentSlot returns the latest slot estimate.
func (t *LeaderTracker) CurrentSlot() Slot {
	t.slotsMu.RLock()
	defer t.slotsMu.RUnlock()
	return t.slots.CurrentSlot()
}

// RefreshSlotFromRPC is the fallback path used when the slot estimate
// appears to have stalled: it queries RPC directly and folds the result
// back into the estimator.
func (t *LeaderTracker) RefreshSlotFromRPC(ctx context.Context) (Slot, error) {
	slot, err := t.rpcClient.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch slot from RPC: %w", err)
	}
	t.slotsMu.Lock()
	defer t.slotsMu.Unlock()
	return t.slots.Record(SlotEvent{Kind: EventStart, Slot: Slot(slot)}), nil
}

// GetSlotPosition returns a slot's position (0-3) within its leader's
// 4-slot window.
func GetSlotPosition(slot Slot) uint8 {
	return uint8(slot % NumConsecutiveLeaderSlots)
}

// GetSlotAwareLeaders targets just the current leader for slot
// positions 0-2, and hedges by also including the next leader at
// position 3 (the last slot of the window) — minimizing how many
// validators see the transaction while matching a wider fanout's
// landing rate.
func (t *LeaderTracker) GetSlotAwareLeaders() ([]LeaderInfo, uint8) {
	currentSlot := t.CurrentSlot()
	if currentSlot == 0 {
		return nil, 0
	}

	position := GetSlotPosition(currentSlot)
	numLeaders := 1
	if position == NumConsecutiveLeaderSlots-1 {
		numLeaders = 2
	}

	lookahead := uint64(numLeaders) * NumConsecutiveLeaderSlots
	leaders := t.GetFutureLeaders(0, lookahead)
	if len(leaders) > numLeaders {
		leaders = leaders[:numLeaders]
	}
	return leaders, position
}

// GetFutureLeaders walks slot offsets [start, end) from the current
// slot, resolving each to a leader identity and socket, deduplicating
// by identity. All three tracker locks are acquired read-only together
// so the walk sees one consistent snapshot.
func (t *LeaderTracker) GetFutureLeaders(start, end uint64) []LeaderInfo {
	t.slotsMu.RLock()
	defer t.slotsMu.RUnlock()
	t.scheduleMu.RLock()
	defer t.scheduleMu.RUnlock()
	t.socketsMu.RLock()
	defer t.socketsMu.RUnlock()

	currSlot := t.slots.CurrentSlot()
	if currSlot == 0 {
		return nil
	}
	if currSlot < t.schedule.CurrentEpochSlotStart() || currSlot >= t.schedule.NextEpochSlotStart() {
		return nil
	}

	var leaders []LeaderInfo
	seen := make(map[string]struct{})

	for i := start; i < end; i++ {
		targetSlot := currSlot + i
		if targetSlot < currSlot {
			break // overflow
		}
		if targetSlot >= t.schedule.NextEpochSlotStart() {
			break
		}

		slotIndex, ok := t.schedule.SlotToIndex(targetSlot)
		if !ok {
			continue
		}
		leaderPubkey, ok := t.schedule.LeaderForSlotIndex(slotIndex)
		if !ok {
			continue
		}
		if _, dup := seen[leaderPubkey]; dup {
			continue
		}
		seen[leaderPubkey] = struct{}{}

		sockets, ok := t.sockets[leaderPubkey]
		if !ok {
			continue
		}
		socket, ok := sockets.preferred()
		if !ok {
			continue
		}
		leaders = append(leaders, LeaderInfo{Identity: leaderPubkey, Socket: socket, Slot: currSlot})
	}

	return leaders
}

// GetLeaders targets the default fanout of 4 leaders.
func (t *LeaderTracker) GetLeaders() []LeaderInfo {
	return t.GetLeadersWithFanout(4)
}

// GetLeadersWithFanout looks ahead fanout*4 slots — enough to cover
// fanout distinct leaders even if some windows are only partially
// visible — and returns the upcoming leaders found.
func (t *LeaderTracker) GetLeadersWithFanout(fanout uint32) []LeaderInfo {
	return t.GetFutureLeaders(0, uint64(fanout)*NumConsecutiveLeaderSlots)
}

// ValidatorCount returns how many validators currently have a resolved
// socket address.
func (t *LeaderTracker) ValidatorCount() int {
	t.socketsMu.RLock()
	defer t.socketsMu.RUnlock()
	return len(t.sockets)
}

// UpdateLeaderSockets refreshes the identity->socket map from
// getClusterNodes, keeping only entries with at least one resolved
// socket and evicting validators no longer present in the response.
func (t *LeaderTracker) UpdateLeaderSockets(ctx context.Context) error {
	nodes, err := t.rpcClient.GetClusterNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch cluster nodes: %w", err)
	}

	t.socketsMu.Lock()
	defer t.socketsMu.Unlock()

	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		seen[node.Pubkey] = struct{}{}
		if node.Gossip == nil {
			continue
		}
		if node.TpuQuic == nil && node.TpuForwardsQuic == nil {
			continue
		}
		entry := TpuSockets{Tpu: node.TpuQuic, TpuForwards: node.TpuForwardsQuic}
		if existing, ok := t.sockets[node.Pubkey]; !ok || !existing.equal(entry) {
			t.sockets[node.Pubkey] = entry
		}
	}
	for pubkey := range t.sockets {
		if _, ok := seen[pubkey]; !ok {
			delete(t.sockets, pubkey)
		}
	}
	return nil
}

// RunSlotListener drives the configured slot source (gRPC preferred
// over WebSocket) with a 1s fixed-backoff reconnect loop, until ctx is
// cancelled.
func (t *LeaderTracker) RunSlotListener(ctx context.Context) error {
	logger := slog.Get()
	return backoff.Retry(func() error {
		err := t.runSlotListenerOnce(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			logger.Warnf("slot listener stream failed, restarting: %v", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx))
}

func (t *LeaderTracker) runSlotListenerOnce(ctx context.Context) error {
	if t.grpcSource != nil {
		return t.grpcSource.Run(ctx, t.handleMonotonicSlot)
	}
	return t.wsSource.Run(ctx, t.handleSlotEvent)
}

func (t *LeaderTracker) handleSlotEvent(event SlotEvent) {
	t.slotsMu.Lock()
	currSlot := t.slots.Record(event)
	t.slotsMu.Unlock()
	t.setReady()
	t.rotateIfNeeded(context.Background(), currSlot)
}

func (t *LeaderTracker) handleMonotonicSlot(slot uint64) {
	t.slotsMu.Lock()
	currSlot := t.slots.RecordMonotonic(slot)
	t.slotsMu.Unlock()
	t.setReady()
	t.rotateIfNeeded(context.Background(), currSlot)
}

func (t *LeaderTracker) rotateIfNeeded(ctx context.Context, currSlot Slot) {
	t.scheduleMu.RLock()
	needsRotation := currSlot >= t.schedule.NextEpochSlotStart()
	t.scheduleMu.RUnlock()
	if !needsRotation {
		return
	}

	logger := slog.Get()
	t.scheduleMu.Lock()
	rotated, err := t.schedule.MaybeRotate(ctx, currSlot, t.rpcClient)
	t.scheduleMu.Unlock()
	if err != nil {
		logger.Errorf("epoch rotation failed: %v", err)
		return
	}
	if rotated {
		logger.Infof("rotated epoch at slot %d", currSlot)
	}
}

// RunSocketUpdater refreshes leader sockets on a fixed interval until
// ctx is cancelled.
func (t *LeaderTracker) RunSocketUpdater(ctx context.Context, interval time.Duration) {
	logger := slog.Get()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := t.UpdateLeaderSockets(ctx); err != nil {
			logger.Warnf("leader socket update failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
