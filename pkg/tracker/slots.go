// Package tracker implements the slot, schedule, and leader-routing
// state that the connection manager and façade consult on every send.
package tracker

import "sort"

// Slot is a monotonically increasing 64-bit block-production counter.
type Slot = uint64

// MaxSlotSkipDistance bounds how far ahead of the estimated current
// slot an event may sit before it's treated as an outlier.
const MaxSlotSkipDistance = 48

// RecentSlotEventsCapacity is the size of the ring buffer SlotsTracker
// keeps for its outlier-resistant estimate.
const RecentSlotEventsCapacity = 48

// EventKind distinguishes the two upstream notifications SlotsTracker
// understands; all other upstream event kinds are dropped before they
// reach this type.
type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
)

// SlotEvent is "first shred received" (Start) or "slot completed" (End)
// for a given slot.
type SlotEvent struct {
	Kind EventKind
	Slot Slot
}

func (e SlotEvent) isStart() bool { return e.Kind == EventStart }

// SlotsTracker estimates the network's current slot from a bounded
// window of recent events, rejecting outliers from misbehaving or
// lagging sources.
type SlotsTracker struct {
	recent  []SlotEvent
	current Slot
}

// NewSlotsTracker returns an empty tracker.
func NewSlotsTracker() *SlotsTracker {
	return &SlotsTracker{recent: make([]SlotEvent, 0, RecentSlotEventsCapacity)}
}

// CurrentSlot returns the latest estimate; zero before any event.
func (t *SlotsTracker) CurrentSlot() Slot {
	return t.current
}

// Record appends an event, trims the ring to capacity, and returns the
// refreshed estimate.
func (t *SlotsTracker) Record(event SlotEvent) Slot {
	t.recent = append(t.recent, event)
	if excess := len(t.recent) - RecentSlotEventsCapacity; excess > 0 {
		t.recent = append(t.recent[:0], t.recent[excess:]...)
	}
	t.current = t.estimateCurrentSlot()
	return t.current
}

// RecordStart records a "first shred received" event.
func (t *SlotsTracker) RecordStart(slot Slot) Slot {
	return t.Record(SlotEvent{Kind: EventStart, Slot: slot})
}

// RecordEnd records a "slot completed" event.
func (t *SlotsTracker) RecordEnd(slot Slot) Slot {
	return t.Record(SlotEvent{Kind: EventEnd, Slot: slot})
}

// RecordMonotonic records a slot number from a source already known to
// be strictly increasing (e.g. a gRPC/Geyser feed), bypassing outlier
// filtering entirely. Slots at or behind the current estimate are
// ignored.
func (t *SlotsTracker) RecordMonotonic(slot Slot) Slot {
	if slot <= t.current {
		return t.current
	}
	t.current = slot
	t.recent = t.recent[:0]
	t.recent = append(t.recent, SlotEvent{Kind: EventStart, Slot: slot})
	return t.current
}

// estimateCurrentSlot sorts the window by (slot asc, Start before End),
// takes the median event's slot plus a tail offset as the "expected"
// current slot, caps reasonable slots at expected+MaxSlotSkipDistance,
// and returns the rightmost event at or under that cap.
func (t *SlotsTracker) estimateCurrentSlot() Slot {
	if len(t.recent) == 0 {
		return t.current
	}

	sorted := make([]SlotEvent, len(t.recent))
	copy(sorted, t.recent)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Slot != sorted[j].Slot {
			return sorted[i].Slot < sorted[j].Slot
		}
		// start before end at equal slot
		return sorted[i].isStart() && !sorted[j].isStart()
	})

	maxIdx := len(sorted) - 1
	medianIdx := maxIdx / 2
	medianSlot := sorted[medianIdx].Slot
	expectedCurrent := medianSlot + uint64(maxIdx-medianIdx)
	maxReasonable := expectedCurrent + MaxSlotSkipDistance

	idx := medianIdx
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Slot <= maxReasonable {
			idx = i
			break
		}
	}

	event := sorted[idx]
	if event.isStart() {
		return event.Slot
	}
	return event.Slot + 1
}
