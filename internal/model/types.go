// Package model holds the data types shared across the relay pipeline:
// the in-flight Signal, the immutable RelayRecord history row, the
// RelayRule routing/transform rule, the BufferedSignal offline-retry
// row, and the RelayStatsBucket rollup row. These mirror the wire and
// store shapes one-for-one so no component needs its own copy.
package model

import "time"

// Priority orders a signal's standing in the offline buffer. It never
// preempts an in-flight send.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns a priority's ordering weight, highest first.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Payload is an open JSON object. Transforms and handlers only ever
// read named fields out of it; unknown fields round-trip verbatim.
type Payload map[string]interface{}

// Clone returns a shallow copy of the payload, safe to mutate
// independently of the original.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Signal is a transient, in-flight message: a signal type plus payload
// addressed to one or more named target peers.
type Signal struct {
	SignalType      uint16
	SourceServer    string
	TargetServers   []string
	Payload         Payload
	Priority        Priority
	BufferIfOffline bool
}

// RelayRecord is an immutable row written once per relaySignal call.
type RelayRecord struct {
	ID             string
	SignalType     uint16
	SourceServer   string
	TargetServers  []string
	Payload        Payload
	Priority       Priority
	RelayedAt      int64 // epoch ms
	Success        bool
	TargetsReached []string
	TargetsFailed  []string
	LatencyMs      int64
	ErrorMessage   string
}

// TransformSpec describes per-field operations applied to a payload.
// A nil value deletes the field; {"rename": "src"} moves a field;
// anything else sets the field to that literal value.
type TransformSpec map[string]interface{}

// RelayRule is an operator-configured routing/transform rule.
type RelayRule struct {
	ID            int64
	SignalPattern uint16
	SourceFilter  string // regex source, empty means unfiltered
	RelayTo       []string
	Transform     TransformSpec
	Priority      int
	Enabled       bool
	CreatedAt     int64
	UpdatedAt     *int64
	MatchCount    int64
}

// BufferStatus is the terminal-or-pending lifecycle state of a
// BufferedSignal. Once terminal a row is never re-selected for retry.
type BufferStatus string

const (
	BufferPending   BufferStatus = "pending"
	BufferDelivered BufferStatus = "delivered"
	BufferExpired   BufferStatus = "expired"
	BufferFailed    BufferStatus = "failed"
)

// IsTerminal reports whether a status can never transition again.
func (s BufferStatus) IsTerminal() bool {
	return s == BufferDelivered || s == BufferExpired || s == BufferFailed
}

// BufferedSignal is one row per (signal, target) pair awaiting
// delivery to a currently unreachable target.
type BufferedSignal struct {
	ID           string
	SignalType   uint16
	SourceServer string
	TargetServer string
	Payload      Payload
	Priority     Priority
	BufferedAt   int64
	RetryCount   int
	LastRetryAt  *int64
	MaxRetries   int
	ExpiresAt    *int64
	Status       BufferStatus
}

// RelayStatsBucket is one aggregated rollup row for a given hour-aligned
// period and dimensional key (signal type, source, target).
type RelayStatsBucket struct {
	ID            int64
	PeriodStart   int64
	SignalType    *uint16
	SourceServer  *string
	TargetServer  *string
	TotalRelayed  int64
	SuccessCount  int64
	FailureCount  int64
	AvgLatencyMs  *float64
	MaxLatencyMs  *int64
	BufferedCount int64
}

// NowMs returns the current time as epoch milliseconds. A package-level
// var so tests can substitute a deterministic clock.
var NowMs = func() int64 { return time.Now().UnixMilli() }
