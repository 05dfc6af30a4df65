package tracker

import (
	"context"
	"fmt"

	"github.com/fastlane-go/tpuclient/pkg/rpc"
)

// ScheduleFetcher is the subset of pkg/rpc.Client ScheduleTracker needs,
// narrowed so tests can supply a stub.
type ScheduleFetcher interface {
	GetEpochInfo(ctx context.Context, commitment rpc.Commitment) (*rpc.EpochInfo, error)
	GetLeaderSchedule(ctx context.Context, commitment rpc.Commitment, slot int64) (map[string][]int64, error)
}

// ScheduleTracker caches the leader schedule for the current and next
// epoch and rotates between them as slots advance.
type ScheduleTracker struct {
	currEpochSlotStart Slot
	nextEpochSlotStart Slot
	currSchedule       map[uint64]string
	nextSchedule       map[uint64]string
	slotsInEpoch       uint64
}

// NewScheduleTracker fetches epoch info plus the current epoch's
// schedule (mandatory) and the next epoch's schedule (best effort —
// not available until close to the boundary).
func NewScheduleTracker(ctx context.Context, client ScheduleFetcher) (*ScheduleTracker, error) {
	info, err := client.GetEpochInfo(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch epoch info from RPC: %w", err)
	}
	if info.SlotsInEpoch <= 0 {
		return nil, fmt.Errorf("invalid slotsInEpoch: %d", info.SlotsInEpoch)
	}
	if info.SlotIndex >= info.SlotsInEpoch {
		return nil, fmt.Errorf("slotIndex %d exceeds slotsInEpoch %d", info.SlotIndex, info.SlotsInEpoch)
	}

	currStart := uint64(info.AbsoluteSlot - info.SlotIndex)
	nextStart := currStart + uint64(info.SlotsInEpoch)

	currSchedule, err := fetchSchedule(ctx, client, int64(currStart))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current epoch schedule: %w", err)
	}
	// next epoch's schedule may not be published yet; best effort only.
	nextSchedule, _ := fetchSchedule(ctx, client, int64(nextStart))

	return &ScheduleTracker{
		currEpochSlotStart: currStart,
		nextEpochSlotStart: nextStart,
		currSchedule:       currSchedule,
		nextSchedule:       nextSchedule,
		slotsInEpoch:       uint64(info.SlotsInEpoch),
	}, nil
}

// fetchSchedule inverts the RPC's {pubkey: [slot indices]} shape into
// {slot index: pubkey} for O(1) per-slot lookups.
func fetchSchedule(ctx context.Context, client ScheduleFetcher, slot int64) (map[uint64]string, error) {
	raw, err := client.GetLeaderSchedule(ctx, rpc.CommitmentConfirmed, slot)
	if err != nil {
		return nil, fmt.Errorf("rpc call to getLeaderSchedule failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no leader schedule available for slot %d", slot)
	}

	schedule := make(map[uint64]string, len(raw)*4)
	for pubkey, indices := range raw {
		for _, idx := range indices {
			schedule[uint64(idx)] = pubkey
		}
	}
	if len(schedule) == 0 {
		return nil, fmt.Errorf("fetched empty schedule for slot %d", slot)
	}
	return schedule, nil
}

// LeaderForSlotIndex returns the validator scheduled for a slot index
// within the current epoch.
func (t *ScheduleTracker) LeaderForSlotIndex(slotIndex uint64) (string, bool) {
	leader, ok := t.currSchedule[slotIndex]
	return leader, ok
}

// CurrentEpochSlotStart returns the first slot of the current epoch.
func (t *ScheduleTracker) CurrentEpochSlotStart() Slot { return t.currEpochSlotStart }

// NextEpochSlotStart returns the first slot of the next epoch.
func (t *ScheduleTracker) NextEpochSlotStart() Slot { return t.nextEpochSlotStart }

// SlotsInEpoch returns the epoch length in slots.
func (t *ScheduleTracker) SlotsInEpoch() uint64 { return t.slotsInEpoch }

// SlotToIndex converts an absolute slot to its index within the current
// epoch, or false if the slot falls outside [currStart, nextStart).
func (t *ScheduleTracker) SlotToIndex(slot Slot) (uint64, bool) {
	if slot < t.currEpochSlotStart || slot >= t.nextEpochSlotStart {
		return 0, false
	}
	return slot - t.currEpochSlotStart, true
}

// MaybeRotate swaps the next schedule into place and prefetches a new
// next schedule once currentSlot crosses into the next epoch. Returns
// whether a rotation occurred.
func (t *ScheduleTracker) MaybeRotate(ctx context.Context, currentSlot Slot, client ScheduleFetcher) (bool, error) {
	if currentSlot < t.nextEpochSlotStart {
		return false, nil
	}

	t.currEpochSlotStart = t.nextEpochSlotStart
	t.nextEpochSlotStart += t.slotsInEpoch
	t.currSchedule = t.nextSchedule
	t.nextSchedule = nil

	// best effort — next epoch's schedule may not be published yet.
	schedule, _ := fetchSchedule(ctx, client, int64(t.nextEpochSlotStart))
	t.nextSchedule = schedule

	return true, nil
}
