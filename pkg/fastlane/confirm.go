package fastlane

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/fastlane-go/tpuclient/pkg/tpuerr"
	"github.com/fastlane-go/tpuclient/pkg/tracker"
	"github.com/fastlane-go/tpuclient/pkg/txsig"
)

// slotDuration approximates one slot; the confirm loop sleeps in
// increments of it between rounds.
const slotDuration = 400 * time.Millisecond

// staleSlotRounds is how many consecutive rounds current_slot may stay
// unchanged before the loop falls back to an RPC refresh.
const staleSlotRounds = 2

// ConfirmResult is the caller-visible outcome of SendUntilConfirmed.
type ConfirmResult struct {
	Confirmed        bool
	Rounds           int
	TotalLeadersSent int
	Error            string
}

// SendUntilConfirmed resends tx on each slot until its first signature
// reaches Confirmed or Finalized status, or timeout elapses.
func (c *Client) SendUntilConfirmed(ctx context.Context, tx []byte, timeout time.Duration) (*ConfirmResult, error) {
	sigBytes, err := txsig.FirstSignature(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to extract transaction signature: %w", err)
	}
	sigStr := solana.SignatureFromBytes(sigBytes[:]).String()

	deadline := time.Now().Add(timeout)
	result := &ConfirmResult{}

	var prevSlot tracker.Slot
	var staleRounds int

	for {
		result.Rounds++

		currentSlot := c.leaders.CurrentSlot()
		if currentSlot == prevSlot {
			staleRounds++
		} else {
			staleRounds = 0
		}
		if staleRounds >= staleSlotRounds {
			if refreshed, err := c.leaders.RefreshSlotFromRPC(ctx); err == nil {
				currentSlot = refreshed
			}
			staleRounds = 0
		}
		prevSlot = currentSlot

		leaders := c.targetLeaders()
		if len(leaders) > 0 {
			c.conns.SendToLeaders(ctx, leaders, tx)
			result.TotalLeadersSent += len(leaders)
		}

		if confirmed, _ := c.pollSignatureStatus(ctx, sigStr); confirmed {
			result.Confirmed = true
			return result, nil
		}

		if !time.Now().Before(deadline) {
			break
		}

		sleepFor := slotDuration
		if remaining := time.Until(deadline); remaining < sleepFor {
			sleepFor = remaining
		}
		if sleepFor > 0 {
			select {
			case <-time.After(sleepFor):
			case <-ctx.Done():
				result.Error = string(tpuerr.Classify(ctx.Err()))
				return result, ctx.Err()
			}
		}
	}

	if confirmed, _ := c.pollSignatureStatus(ctx, sigStr); confirmed {
		result.Confirmed = true
		return result, nil
	}

	result.Error = string(tpuerr.CodeTimeout)
	return result, nil
}

// pollSignatureStatus checks the signature's status. Only Confirmed or
// Finalized counts as confirmed, per the strict confirm-loop semantics
// decision recorded in this module's design notes; any other status
// (including "processed") is still pending.
func (c *Client) pollSignatureStatus(ctx context.Context, signature string) (bool, error) {
	statuses, err := c.status.GetSignatureStatuses(ctx, []string{signature})
	if err != nil {
		return false, err
	}
	if len(statuses) == 0 || statuses[0] == nil {
		return false, nil
	}

	switch statuses[0].ConfirmationStatus {
	case "confirmed", "finalized":
		return true, nil
	}
	return false, nil
}
