// Package wsfeed subscribes to a Solana slot-updates WebSocket and
// translates the subset of events the tracker cares about into
// tracker.SlotEvent values.
package wsfeed

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/fastlane-go/tpuclient/pkg/slog"
	"github.com/fastlane-go/tpuclient/pkg/tracker"
)

// readTimeout bounds how long the feed waits for the next update before
// tearing down the subscription and letting the outer loop reconnect.
const readTimeout = 20 * time.Second

// reconnectInterval is the fixed backoff between reconnect attempts.
const reconnectInterval = time.Second

// Source implements tracker.SlotEventSource over a WebSocket
// slot-updates subscription.
type Source struct {
	WebSocketURL string
}

// NewSource returns a Source bound to the given WebSocket URL.
func NewSource(wsURL string) *Source {
	return &Source{WebSocketURL: wsURL}
}

// Run connects, subscribes, and delivers Start/End events to onEvent
// until ctx is cancelled, reconnecting on any stream failure.
func (s *Source) Run(ctx context.Context, onEvent func(tracker.SlotEvent)) error {
	logger := slog.Get()
	return backoff.Retry(func() error {
		err := s.runConn(ctx, onEvent)
		switch {
		case errors.Is(err, context.Canceled):
			return backoff.Permanent(err)
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil
			}
			logger.Warnf("slot update stream failed, restarting: %v", err)
			return err
		}
	}, backoff.WithContext(backoff.NewConstantBackOff(reconnectInterval), ctx))
}

func (s *Source) runConn(ctx context.Context, onEvent func(tracker.SlotEvent)) error {
	client, err := ws.Connect(ctx, s.WebSocketURL)
	if err != nil {
		return err
	}
	defer client.Close()

	go func() {
		defer client.Close()
		<-ctx.Done()
	}()

	sub, err := client.SlotsUpdatesSubscribe()
	if err != nil {
		return err
	}

	for {
		if err := s.readNext(ctx, sub, onEvent); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func (s *Source) readNext(ctx context.Context, sub *ws.SlotsUpdatesSubscription, onEvent func(tracker.SlotEvent)) error {
	logger := slog.Get()
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	go func() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warnf("read deadline exceeded after %s, terminating subscription", readTimeout)
			sub.Unsubscribe()
		}
	}()

	update, err := sub.Recv()
	if err != nil {
		return err
	}
	if update == nil {
		return net.ErrClosed
	}

	switch update.Type {
	case ws.SlotsUpdatesFirstShredReceived:
		onEvent(tracker.SlotEvent{Kind: tracker.EventStart, Slot: update.Slot})
	case ws.SlotsUpdatesCompleted:
		onEvent(tracker.SlotEvent{Kind: tracker.EventEnd, Slot: update.Slot})
	default:
		// every other SlotsUpdatesResult.Type is dropped
	}

	return nil
}
