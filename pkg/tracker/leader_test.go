package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastlane-go/tpuclient/pkg/rpc"
)

type stubRpcClient struct {
	stubScheduleFetcher
	nodes []rpc.ClusterNode
	slot  int64
}

func (s *stubRpcClient) GetClusterNodes(ctx context.Context) ([]rpc.ClusterNode, error) {
	return s.nodes, nil
}

func (s *stubRpcClient) GetSlot(ctx context.Context, commitment rpc.Commitment) (int64, error) {
	return s.slot, nil
}

func strp(s string) *string { return &s }

func TestGetSlotPositionCycles(t *testing.T) {
	assert.Equal(t, uint8(0), GetSlotPosition(0))
	assert.Equal(t, uint8(1), GetSlotPosition(1))
	assert.Equal(t, uint8(2), GetSlotPosition(2))
	assert.Equal(t, uint8(3), GetSlotPosition(3))
	assert.Equal(t, uint8(0), GetSlotPosition(4))
	assert.Equal(t, uint8(3), GetSlotPosition(7))

	assert.Equal(t, uint8(0), GetSlotPosition(300_000_000))
	assert.Equal(t, uint8(1), GetSlotPosition(300_000_001))
	assert.Equal(t, uint8(3), GetSlotPosition(300_000_003))
	assert.Equal(t, uint8(3), GetSlotPosition(99))
}

func newTestLeaderTracker(t *testing.T) *LeaderTracker {
	t.Helper()
	fetcher := &stubRpcClient{
		stubScheduleFetcher: stubScheduleFetcher{
			epochInfo: &rpc.EpochInfo{AbsoluteSlot: 1000, SlotIndex: 0, SlotsInEpoch: 432},
			schedules: map[int64]map[string][]int64{
				1000: {
					"leaderA": {0, 1, 2, 3},
					"leaderB": {4, 5, 6, 7},
				},
			},
		},
		nodes: []rpc.ClusterNode{
			{Pubkey: "leaderA", Gossip: strp("10.0.0.1:8001"), TpuForwardsQuic: strp("10.0.0.1:8010")},
			{Pubkey: "leaderB", Gossip: strp("10.0.0.2:8001"), TpuQuic: strp("10.0.0.2:8009")},
		},
	}

	lt, err := NewLeaderTracker(context.Background(), fetcher, nil, nil)
	require.NoError(t, err)
	require.NoError(t, lt.UpdateLeaderSockets(context.Background()))
	return lt
}

func TestGetFutureLeadersPrefersForwardsSocket(t *testing.T) {
	lt := newTestLeaderTracker(t)
	lt.handleSlotEvent(SlotEvent{Kind: EventStart, Slot: 1000})

	leaders := lt.GetFutureLeaders(0, 8)
	require.Len(t, leaders, 2)
	assert.Equal(t, "leaderA", leaders[0].Identity)
	assert.Equal(t, "10.0.0.1:8010", leaders[0].Socket)
	assert.Equal(t, "leaderB", leaders[1].Identity)
	assert.Equal(t, "10.0.0.2:8009", leaders[1].Socket)
}

func TestGetSlotAwareLeadersHedgesOnLastSlotOfWindow(t *testing.T) {
	lt := newTestLeaderTracker(t)
	lt.handleSlotEvent(SlotEvent{Kind: EventStart, Slot: 1003}) // position 3 -> hedge

	leaders, position := lt.GetSlotAwareLeaders()
	assert.Equal(t, uint8(3), position)
	assert.Len(t, leaders, 2)
}

func TestGetSlotAwareLeadersSingleOnEarlySlot(t *testing.T) {
	lt := newTestLeaderTracker(t)
	lt.handleSlotEvent(SlotEvent{Kind: EventStart, Slot: 1000}) // position 0

	leaders, position := lt.GetSlotAwareLeaders()
	assert.Equal(t, uint8(0), position)
	assert.Len(t, leaders, 1)
	assert.Equal(t, "leaderA", leaders[0].Identity)
}

func TestUpdateLeaderSocketsEvictsMissingValidators(t *testing.T) {
	lt := newTestLeaderTracker(t)
	assert.Equal(t, 2, lt.ValidatorCount())

	lt.rpcClient = &stubRpcClient{
		stubScheduleFetcher: lt.rpcClient.(*stubRpcClient).stubScheduleFetcher,
		nodes:               []rpc.ClusterNode{{Pubkey: "leaderA", Gossip: strp("10.0.0.1:8001"), TpuForwardsQuic: strp("10.0.0.1:8010")}},
	}
	require.NoError(t, lt.UpdateLeaderSockets(context.Background()))
	assert.Equal(t, 1, lt.ValidatorCount())
}

func TestUpdateLeaderSocketsSkipsNodesWithoutGossipAddress(t *testing.T) {
	fetcher := &stubRpcClient{
		stubScheduleFetcher: stubScheduleFetcher{
			epochInfo: &rpc.EpochInfo{AbsoluteSlot: 1000, SlotIndex: 0, SlotsInEpoch: 432},
			schedules: map[int64]map[string][]int64{
				1000: {"leaderA": {0, 1, 2, 3}, "leaderB": {4, 5, 6, 7}},
			},
		},
		nodes: []rpc.ClusterNode{
			{Pubkey: "leaderA", Gossip: strp("10.0.0.1:8001"), TpuQuic: strp("10.0.0.1:8009")},
			{Pubkey: "leaderB", TpuQuic: strp("10.0.0.2:8009")}, // no gossip address
		},
	}

	lt, err := NewLeaderTracker(context.Background(), fetcher, nil, nil)
	require.NoError(t, err)
	require.NoError(t, lt.UpdateLeaderSockets(context.Background()))

	assert.Equal(t, 1, lt.ValidatorCount())
	lt.handleSlotEvent(SlotEvent{Kind: EventStart, Slot: 1000})
	leaders := lt.GetFutureLeaders(0, 8)
	require.Len(t, leaders, 1)
	assert.Equal(t, "leaderA", leaders[0].Identity)
}
