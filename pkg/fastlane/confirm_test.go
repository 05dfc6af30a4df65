package fastlane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastlane-go/tpuclient/pkg/quictpu"
	"github.com/fastlane-go/tpuclient/pkg/rpc"
	"github.com/fastlane-go/tpuclient/pkg/tracker"
)

func testTxBlob() []byte {
	blob := make([]byte, 1+64+8)
	blob[0] = 1
	return blob
}

type stubLeaders struct {
	leaders []tracker.LeaderInfo
}

func (s *stubLeaders) IsReady() bool           { return true }
func (s *stubLeaders) CurrentSlot() tracker.Slot { return 100 }
func (s *stubLeaders) RefreshSlotFromRPC(ctx context.Context) (tracker.Slot, error) {
	return 100, nil
}
func (s *stubLeaders) GetSlotAwareLeaders() ([]tracker.LeaderInfo, uint8) { return s.leaders, 0 }
func (s *stubLeaders) GetLeaders() []tracker.LeaderInfo                  { return s.leaders }

type alwaysSucceedsSender struct{}

func (alwaysSucceedsSender) SendToLeaders(ctx context.Context, leaders []tracker.LeaderInfo, tx []byte) quictpu.DeliveryResult {
	return quictpu.DeliveryResult{Delivered: true, LeaderSuccesses: len(leaders)}
}

type roundGatedStatusOracle struct {
	confirmOnCall int
	calls         int
}

func (o *roundGatedStatusOracle) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*rpc.SignatureStatus, error) {
	o.calls++
	if o.calls >= o.confirmOnCall {
		return []*rpc.SignatureStatus{{ConfirmationStatus: "confirmed"}}, nil
	}
	return []*rpc.SignatureStatus{{ConfirmationStatus: "processed"}}, nil
}

type alwaysPendingStatusOracle struct{}

func (alwaysPendingStatusOracle) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*rpc.SignatureStatus, error) {
	return []*rpc.SignatureStatus{{ConfirmationStatus: "processed"}}, nil
}

func TestSendUntilConfirmedSucceedsOnThirdRound(t *testing.T) {
	leaders := []tracker.LeaderInfo{{Identity: "leaderA", Socket: "10.0.0.1:8009"}}
	c := &Client{
		leaders: &stubLeaders{leaders: leaders},
		conns:   alwaysSucceedsSender{},
		status:  &roundGatedStatusOracle{confirmOnCall: 3},
	}

	result, err := c.SendUntilConfirmed(context.Background(), testTxBlob(), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Equal(t, 3, result.Rounds)
}

func TestSendUntilConfirmedTimesOutWhenNeverConfirmed(t *testing.T) {
	leaders := []tracker.LeaderInfo{{Identity: "leaderA", Socket: "10.0.0.1:8009"}}
	c := &Client{
		leaders: &stubLeaders{leaders: leaders},
		conns:   alwaysSucceedsSender{},
		status:  alwaysPendingStatusOracle{},
	}

	result, err := c.SendUntilConfirmed(context.Background(), testTxBlob(), time.Second)
	require.NoError(t, err)
	assert.False(t, result.Confirmed)
	assert.NotEmpty(t, result.Error)
	assert.GreaterOrEqual(t, result.Rounds, 2)
	assert.LessOrEqual(t, result.Rounds, 5)
}

func TestSendUntilConfirmedRejectsUnsignedTransaction(t *testing.T) {
	c := &Client{
		leaders: &stubLeaders{},
		conns:   alwaysSucceedsSender{},
		status:  alwaysPendingStatusOracle{},
	}
	_, err := c.SendUntilConfirmed(context.Background(), []byte{0}, time.Second)
	assert.Error(t, err)
}

func TestSendTransactionFallsBackToFixedFanoutWhenSlotAwareEmpty(t *testing.T) {
	fallback := []tracker.LeaderInfo{{Identity: "leaderB", Socket: "10.0.0.2:8009"}}
	stub := &fallbackLeaders{fallback: fallback}
	c := &Client{leaders: stub, conns: alwaysSucceedsSender{}}

	result, err := c.SendTransaction(context.Background(), testTxBlob())
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Equal(t, 1, result.LeaderSuccesses)
}

type fallbackLeaders struct {
	fallback []tracker.LeaderInfo
}

func (f *fallbackLeaders) IsReady() bool                                   { return true }
func (f *fallbackLeaders) CurrentSlot() tracker.Slot                       { return 0 }
func (f *fallbackLeaders) RefreshSlotFromRPC(context.Context) (tracker.Slot, error) { return 0, nil }
func (f *fallbackLeaders) GetSlotAwareLeaders() ([]tracker.LeaderInfo, uint8) { return nil, 0 }
func (f *fallbackLeaders) GetLeaders() []tracker.LeaderInfo                 { return f.fallback }
