// Package config parses the flags a fastlane-send process needs to
// reach an RPC node, a slot-update feed, and optionally a Geyser gRPC
// endpoint.
package config

import (
	"flag"
	"fmt"
	"time"
)

// ClientConfig holds everything needed to construct a fastlane client.
type ClientConfig struct {
	RpcUrl     string
	WsUrl      string
	GrpcUrl    string
	GrpcXToken string

	Fanout             uint32
	PrewarmConnections bool

	HttpTimeout           time.Duration
	SocketRefreshInterval time.Duration
	LogLevel              string
}

// NewClientConfigFromCLI defines and parses the flags this package
// exposes, validating that the required endpoints were supplied.
func NewClientConfigFromCLI() (*ClientConfig, error) {
	rpcUrl := flag.String("rpc-url", "", "Solana RPC endpoint (required)")
	wsUrl := flag.String("ws-url", "", "Solana slot-updates WebSocket endpoint (required)")
	grpcUrl := flag.String("grpc-url", "", "Optional Geyser/Yellowstone gRPC endpoint; preferred over ws-url when set and the client is also given a Geyser stream factory")
	grpcXToken := flag.String("grpc-x-token", "", "Optional x-token for the gRPC endpoint")
	fanout := flag.Uint("fanout", 4, "Number of distinct leaders to target per send")
	prewarm := flag.Bool("prewarm-connections", true, "Pre-warm QUIC connections to upcoming leaders")
	httpTimeout := flag.Duration("http-timeout", 5*time.Second, "Timeout for RPC HTTP requests")
	socketRefresh := flag.Duration("socket-refresh-interval", 30*time.Second, "Interval between leader-socket refreshes")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error); stored in the config only, the logger does not read it")
	flag.Parse()

	cfg := &ClientConfig{
		RpcUrl:                *rpcUrl,
		WsUrl:                 *wsUrl,
		GrpcUrl:               *grpcUrl,
		GrpcXToken:            *grpcXToken,
		Fanout:                uint32(*fanout),
		PrewarmConnections:    *prewarm,
		HttpTimeout:           *httpTimeout,
		SocketRefreshInterval: *socketRefresh,
		LogLevel:              *logLevel,
	}
	return cfg, cfg.validate()
}

func (c *ClientConfig) validate() error {
	if c.RpcUrl == "" {
		return fmt.Errorf("rpc-url is required")
	}
	if c.WsUrl == "" {
		return fmt.Errorf("ws-url is required")
	}
	if c.Fanout == 0 {
		return fmt.Errorf("fanout must be at least 1")
	}
	return nil
}
