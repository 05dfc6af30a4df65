// Package fastlane wires the RPC client, leader tracker, and QUIC
// connection manager into a single façade: background tasks keep
// routing state warm, and callers get a single-shot send plus a
// confirm-loop send.
package fastlane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fastlane-go/tpuclient/pkg/config"
	"github.com/fastlane-go/tpuclient/pkg/geyser"
	"github.com/fastlane-go/tpuclient/pkg/quictpu"
	"github.com/fastlane-go/tpuclient/pkg/rpc"
	"github.com/fastlane-go/tpuclient/pkg/slog"
	"github.com/fastlane-go/tpuclient/pkg/tracker"
	"github.com/fastlane-go/tpuclient/pkg/wsfeed"
)

// waitReadyPollInterval/waitReadyBound bound how long WaitReady polls
// before giving up.
const (
	waitReadyPollInterval = 500 * time.Millisecond
	waitReadyBound        = 30 * time.Second
)

// sender is the subset of *quictpu.ConnectionManager the confirm loop
// depends on; narrowed to an interface so tests can stub delivery.
type sender interface {
	SendToLeaders(ctx context.Context, leaders []tracker.LeaderInfo, tx []byte) quictpu.DeliveryResult
}

// statusOracle is the subset of *rpc.Client the confirm loop polls;
// narrowed so tests can stub confirmation timing.
type statusOracle interface {
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*rpc.SignatureStatus, error)
}

// leaderSource is the subset of *tracker.LeaderTracker the façade
// consults; narrowed so tests can stub routing decisions.
type leaderSource interface {
	IsReady() bool
	CurrentSlot() tracker.Slot
	RefreshSlotFromRPC(ctx context.Context) (tracker.Slot, error)
	GetSlotAwareLeaders() ([]tracker.LeaderInfo, uint8)
	GetLeaders() []tracker.LeaderInfo
}

// Client is the entry point: construct one, wait for it to become
// ready, then send transactions through it.
type Client struct {
	cfg     *config.ClientConfig
	status  statusOracle
	leaders leaderSource
	conns   sender

	// closeConns is populated only when conns is a real
	// *quictpu.ConnectionManager, so Shutdown can close it without the
	// sender interface needing a CloseAll method tests would have to
	// stub too.
	closeConns func()

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// Option customizes construction, primarily to inject a Geyser stream
// factory the engine cannot supply on its own (see pkg/geyser).
type Option func(*options)

type options struct {
	geyserStreamFactory geyser.SlotStreamFactory
}

// WithGeyserStreamFactory wires a concrete Geyser/Yellowstone subscribe
// implementation into the optional gRPC monotonic slot path.
func WithGeyserStreamFactory(f geyser.SlotStreamFactory) Option {
	return func(o *options) { o.geyserStreamFactory = f }
}

// NewClient builds the RPC client, leader tracker, and connection
// manager, performs the mandatory initial schedule fetch and socket
// refresh, then spawns the background slot listener, socket refresher,
// and (if enabled) connection pre-warmer.
func NewClient(ctx context.Context, cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rpcClient := rpc.NewRPCClient(cfg.RpcUrl, cfg.HttpTimeout)

	var wsSource tracker.SlotEventSource
	if cfg.WsUrl != "" {
		wsSource = wsfeed.NewSource(cfg.WsUrl)
	}
	var grpcSource tracker.MonotonicSlotSource
	if cfg.GrpcUrl != "" && o.geyserStreamFactory != nil {
		grpcSource = geyser.NewSource(cfg.GrpcUrl, cfg.GrpcXToken, o.geyserStreamFactory)
	}

	leaderTracker, err := tracker.NewLeaderTracker(ctx, rpcClient, wsSource, grpcSource)
	if err != nil {
		return nil, fmt.Errorf("failed to construct leader tracker: %w", err)
	}

	connManager, err := quictpu.NewConnectionManager()
	if err != nil {
		return nil, fmt.Errorf("failed to construct connection manager: %w", err)
	}

	if err := leaderTracker.UpdateLeaderSockets(ctx); err != nil {
		slog.Get().Warnf("initial leader socket fetch failed: %v", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		status:     rpcClient,
		leaders:    leaderTracker,
		conns:      connManager,
		closeConns: connManager.CloseAll,
		cancel:     cancel,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer guardPanic("slot listener")
		if err := leaderTracker.RunSlotListener(bgCtx); err != nil && bgCtx.Err() == nil {
			slog.Get().Errorf("slot listener exited: %v", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer guardPanic("socket updater")
		leaderTracker.RunSocketUpdater(bgCtx, cfg.SocketRefreshInterval)
	}()

	if cfg.PrewarmConnections {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer guardPanic("prewarm loop")
			c.runPrewarmLoop(bgCtx, connManager, leaderTracker)
		}()
	}

	return c, nil
}

// guardPanic recovers a panic in a background task so one bad slot
// event or RPC response can't take down the whole process, the same
// way the teacher confines a panic to a single metric emission.
func guardPanic(task string) {
	if r := recover(); r != nil {
		slog.Get().Errorf("PANIC in %s: %v", task, r)
	}
}

// runPrewarmLoop pre-warms connections to leaders fanout*4 slots ahead
// once per slot.
func (c *Client) runPrewarmLoop(ctx context.Context, conns *quictpu.ConnectionManager, leaders *tracker.LeaderTracker) {
	ticker := time.NewTicker(400 * time.Millisecond)
	defer ticker.Stop()
	lookahead := c.cfg.Fanout * tracker.NumConsecutiveLeaderSlots
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns.PrewarmConnections(ctx, leaders.GetFutureLeaders(0, uint64(lookahead)))
		}
	}
}

// WaitReady blocks until the leader tracker has processed at least one
// slot event, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, waitReadyBound)
	defer cancel()
	ticker := time.NewTicker(waitReadyPollInterval)
	defer ticker.Stop()
	for {
		if c.leaders.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for client readiness: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// targetLeaders picks slot-aware leaders, falling back to the
// configured fanout when the slot-aware policy has nothing to offer
// (pre-ready or slot 0). Without a config or a real tracker the
// fallback is the tracker's default fanout.
func (c *Client) targetLeaders() []tracker.LeaderInfo {
	leaders, _ := c.leaders.GetSlotAwareLeaders()
	if len(leaders) == 0 {
		if lt, ok := c.leaders.(*tracker.LeaderTracker); ok && c.cfg != nil && c.cfg.Fanout > 0 {
			leaders = lt.GetLeadersWithFanout(c.cfg.Fanout)
		} else {
			leaders = c.leaders.GetLeaders()
		}
	}
	return leaders
}

// SendTransaction delivers tx to the current leader set once, with no
// confirmation polling.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (*quictpu.DeliveryResult, error) {
	leaders := c.targetLeaders()
	if len(leaders) == 0 {
		return nil, fmt.Errorf("no leaders available")
	}
	result := c.conns.SendToLeaders(ctx, leaders, tx)
	return &result, nil
}

// Shutdown aborts every background task and closes all connections.
// Idempotent.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		if c.closeConns != nil {
			c.closeConns()
		}
	})
}
