package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fastlane-go/tpuclient/pkg/slog"
)

type (
	Client struct {
		HttpClient  http.Client
		RpcUrl      string
		HttpTimeout time.Duration
		logger      *zap.SugaredLogger
	}

	Request struct {
		Jsonrpc string `json:"jsonrpc"`
		Id      int    `json:"id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}

	Commitment string
)

const (
	// CommitmentFinalized level offers the highest level of certainty for a transaction on the Solana blockchain.
	// A transaction is considered "Finalized" when it is included in a block that has been confirmed by a
	// supermajority of the stake, and at least 31 additional confirmed blocks have been built on top of it.
	CommitmentFinalized Commitment = "finalized"
	// CommitmentConfirmed level is reached when a transaction is included in a block that has been voted on
	// by a supermajority (66%+) of the network's stake.
	CommitmentConfirmed Commitment = "confirmed"
	// CommitmentProcessed level represents a transaction that has been received by the network and included in a block.
	CommitmentProcessed Commitment = "processed"
)

// Global map to count RPC calls per method
var rpcCallCounts = make(map[string]*int64)
var rpcCallCountsLock = make(chan struct{}, 1)

// Prometheus metric for counting RPC calls by method
var RpcCallCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fastlane_rpc_calls_total",
		Help: "Total number of Solana RPC calls made, labeled by method.",
	},
	[]string{"method"},
)

// EpochInfo cache and mutex
var (
	epochInfoCache      *EpochInfo
	epochInfoCacheTime  time.Time
	epochInfoCacheMutex sync.Mutex
)

func init() {
	// Start a goroutine to log the counts every minute
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			<-ticker.C
			rpcCallCountsLock <- struct{}{} // lock
			logger := slog.Get()
			logger.Infof("=== SOLANA RPC CALLS IN LAST MINUTE ===")
			for method, countPtr := range rpcCallCounts {
				count := atomic.SwapInt64(countPtr, 0)
				logger.Infof("%s: %d", method, count)
			}
			<-rpcCallCountsLock // unlock
		}
	}()
	if err := prometheus.Register(RpcCallCounter); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}

func NewRPCClient(rpcAddr string, httpTimeout time.Duration) *Client {
	return &Client{HttpClient: http.Client{}, RpcUrl: rpcAddr, HttpTimeout: httpTimeout, logger: slog.Get()}
}

// getResponse is the internal helper for making RPC calls
func getResponse[T any](
	ctx context.Context, client *Client, method string, params []any, rpcResponse *Response[T],
) error {
	// Increment Prometheus counter for this method
	RpcCallCounter.WithLabelValues(method).Inc()
	logger := slog.Get()
	// Count and log the call
	rpcCallCountsLock <- struct{}{} // lock
	if _, ok := rpcCallCounts[method]; !ok {
		var zero int64
		rpcCallCounts[method] = &zero
	}
	atomic.AddInt64(rpcCallCounts[method], 1)
	<-rpcCallCountsLock // unlock
	logger.Debugf("SOLANA RPC CALL: method=%s params=%v", method, params)
	// format request:
	request := &Request{Jsonrpc: "2.0", Id: 1, Method: method, Params: params}
	buffer, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	logger.Debugf("jsonrpc request: %s", string(buffer))

	// make request:
	ctx, cancel := context.WithTimeout(ctx, client.HttpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", client.RpcUrl, bytes.NewBuffer(buffer))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := client.HttpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s rpc call failed: %w", method, err)
	}
	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error processing %s rpc call: %w", method, err)
	}
	// debug log response:
	logger.Debugf("%s response: %v", method, string(body))

	// unmarshal the response into the predicted format
	if err = json.Unmarshal(body, rpcResponse); err != nil {
		return fmt.Errorf("failed to decode %s response body: %w", method, err)
	}

	// check for an actual rpc error
	if rpcResponse.Error.Code != 0 {
		rpcResponse.Error.Method = method
		return &rpcResponse.Error
	}
	return nil
}

// GetEpochInfo returns info about the current epoch, with a 15s cache to deduplicate calls.
func (c *Client) GetEpochInfo(ctx context.Context, commitment Commitment) (*EpochInfo, error) {
	epochInfoCacheMutex.Lock()
	defer epochInfoCacheMutex.Unlock()
	if epochInfoCache != nil && time.Since(epochInfoCacheTime) < 15*time.Second {
		return epochInfoCache, nil
	}
	config := map[string]string{"commitment": string(commitment)}
	var resp Response[EpochInfo]
	if err := getResponse(ctx, c, "getEpochInfo", []any{config}, &resp); err != nil {
		return nil, err
	}
	epochInfoCache = &resp.Result
	epochInfoCacheTime = time.Now()
	return epochInfoCache, nil
}

// GetSlot returns the slot that has reached the given or default commitment level.
// See API docs: https://solana.com/docs/rpc/http/getslot
func (c *Client) GetSlot(ctx context.Context, commitment Commitment) (int64, error) {
	config := map[string]string{"commitment": string(commitment)}
	var resp Response[int64]
	if err := getResponse(ctx, c, "getSlot", []any{config}, &resp); err != nil {
		return 0, err
	}
	return resp.Result, nil
}

// GetLeaderSchedule returns the leader schedule for an epoch.
// See API docs: https://solana.com/docs/rpc/http/getleaderschedule
func (c *Client) GetLeaderSchedule(ctx context.Context, commitment Commitment, slot int64) (map[string][]int64, error) {
	config := map[string]any{"commitment": string(commitment)}
	var resp Response[map[string][]int64]
	if err := getResponse(ctx, c, "getLeaderSchedule", []any{slot, config}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// GetClusterNodes returns the TPU socket addresses for every node known
// to the queried RPC node, used to resolve leader identities to
// reachable sockets.
// See API docs: https://solana.com/docs/rpc/http/getclusternodes
func (c *Client) GetClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	var resp Response[[]ClusterNode]
	if err := getResponse(ctx, c, "getClusterNodes", []any{}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// GetSignatureStatuses returns the confirmation status of up to 256
// signatures, used by the confirm-loop to poll delivery outcome.
// See API docs: https://solana.com/docs/rpc/http/getsignaturestatuses
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	config := map[string]bool{"searchTransactionHistory": false}
	var resp Response[contextualResult[[]*SignatureStatus]]
	if err := getResponse(ctx, c, "getSignatureStatuses", []any{signatures, config}, &resp); err != nil {
		return nil, err
	}
	return resp.Result.Value, nil
}
