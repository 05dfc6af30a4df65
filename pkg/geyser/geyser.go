// Package geyser dials an optional gRPC monotonic slot source
// (Yellowstone/Geyser-style), leaving the actual protobuf stream
// implementation to a caller-supplied factory — the wire format is an
// external collaborator this engine does not define.
package geyser

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/fastlane-go/tpuclient/pkg/tracker"
)

// DialOptions tunes the gRPC channel: connect timeout and keepalive
// knobs. No reconnect backoff is configured here.
type DialOptions struct {
	ConnectTimeout    time.Duration
	KeepaliveTime     time.Duration
	KeepaliveTimeout  time.Duration
	PermitWithoutStream bool
}

func defaultDialOptions() DialOptions {
	return DialOptions{
		ConnectTimeout:      10 * time.Second,
		KeepaliveTime:       15 * time.Second,
		KeepaliveTimeout:    5 * time.Second,
		PermitWithoutStream: true,
	}
}

// Dial opens a TLS gRPC channel to url. xToken is not attached to the
// channel; Run adds it to the stream's outgoing context via WithXToken.
func Dial(ctx context.Context, url, xToken string, opts *DialOptions) (*grpc.ClientConn, error) {
	o := defaultDialOptions()
	if opts != nil {
		o = *opts
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()

	creds := credentials.NewTLS(nil)
	conn, err := grpc.DialContext(dialCtx, url,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                o.KeepaliveTime,
			Timeout:             o.KeepaliveTimeout,
			PermitWithoutStream: o.PermitWithoutStream,
		}),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial geyser endpoint %s: %w", url, err)
	}
	return conn, nil
}

// WithXToken attaches the Geyser x-token authentication header to ctx's
// outgoing gRPC metadata.
func WithXToken(ctx context.Context, xToken string) context.Context {
	if xToken == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-token", xToken)
}

// SlotStream is the narrow interface a Geyser/Yellowstone subscription
// must satisfy: a strictly-increasing sequence of slot numbers. The
// concrete protobuf stream type lives outside this module; callers
// inject an implementation via SlotStreamFactory.
type SlotStream interface {
	Recv() (uint64, error)
}

// SlotStreamFactory opens a new SlotStream over an established
// connection. Supplied by the caller since this package does not depend
// on a concrete Geyser/Yellowstone protobuf package.
type SlotStreamFactory func(ctx context.Context, conn *grpc.ClientConn) (SlotStream, error)

// Source implements tracker.MonotonicSlotSource by dialing once and
// relaying whatever the injected SlotStreamFactory produces.
type Source struct {
	URL        string
	XToken     string
	DialOpts   *DialOptions
	NewStream  SlotStreamFactory
}

// NewSource returns a Source. newStream is required; it is how callers
// plug in their Geyser/Yellowstone protobuf client without this package
// depending on it directly.
func NewSource(url, xToken string, newStream SlotStreamFactory) *Source {
	return &Source{URL: url, XToken: xToken, NewStream: newStream}
}

// Run dials, subscribes via NewStream, and relays slots to onSlot until
// the stream ends or ctx is cancelled. The caller's outer reconnect loop
// (tracker.LeaderTracker.RunSlotListener) is responsible for retrying.
func (s *Source) Run(ctx context.Context, onSlot func(uint64)) error {
	conn, err := Dial(ctx, s.URL, s.XToken, s.DialOpts)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx = WithXToken(ctx, s.XToken)
	stream, err := s.NewStream(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to open geyser slot stream: %w", err)
	}

	for {
		slot, err := stream.Recv()
		if err != nil {
			return err
		}
		onSlot(slot)
	}
}

var _ tracker.MonotonicSlotSource = (*Source)(nil)
