package quictpu

import "time"

// LeaderDeliveryResult is the per-leader outcome of one send call.
type LeaderDeliveryResult struct {
	Identity string
	Address  string
	Success  bool
	Latency  time.Duration
	Error    string // classified tpuerr.Code, empty on success
	Attempts int
}

// DeliveryResult is the aggregate outcome of one send call across every
// targeted leader.
type DeliveryResult struct {
	Delivered       bool
	Latency         time.Duration
	LeaderSuccesses int
	PerLeader       []LeaderDeliveryResult
	TotalRetries    int
}
