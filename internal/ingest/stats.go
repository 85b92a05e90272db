package ingest

import (
	"sync"
	"sync/atomic"
	"time"
)

// Skip reasons. Every event that does not produce a work item ends in
// exactly one of these.
const (
	SkipUnknownSubscription = "unknown_subscription"
	SkipClientStateMismatch = "client_state_mismatch"
	SkipNotConnected        = "not_connected"
	SkipUnparseableID       = "unparseable_id"
	SkipDuplicate           = "duplicate"
	SkipFetchFailed         = "fetch_failed"
	SkipEmptyBody           = "empty_body"
	SkipBlockedSender       = "blocked_sender"
	SkipNotActionable       = "not_actionable"
	SkipLookupFailed        = "lookup_failed"
	SkipMaterializeFailed   = "materialize_failed"
	SkipPanic               = "panic"
)

var skipReasons = []string{
	SkipUnknownSubscription,
	SkipClientStateMismatch,
	SkipNotConnected,
	SkipUnparseableID,
	SkipDuplicate,
	SkipFetchFailed,
	SkipEmptyBody,
	SkipBlockedSender,
	SkipNotActionable,
	SkipLookupFailed,
	SkipMaterializeFailed,
	SkipPanic,
}

// maxRecentOutcomes limits the in-memory outcome history.
const maxRecentOutcomes = 100

// Outcome records how one event finished.
type Outcome struct {
	EventID   string    `json:"event_id"`
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Result    string    `json:"result"` // created | existing | skipped
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Stats holds ingestion counters. Counters are updated atomically; the skip
// map is built once and never resized.
type Stats struct {
	received atomic.Int64
	accepted atomic.Int64
	dropped  atomic.Int64
	created  atomic.Int64
	existing atomic.Int64
	skipped  map[string]*atomic.Int64

	recentMu sync.RWMutex
	recent   []Outcome
}

func NewStats() *Stats {
	s := &Stats{
		skipped: make(map[string]*atomic.Int64, len(skipReasons)),
		recent:  make([]Outcome, 0, maxRecentOutcomes),
	}
	for _, r := range skipReasons {
		s.skipped[r] = new(atomic.Int64)
	}
	return s
}

// StatsSnapshot is the JSON view served by the stats endpoint.
type StatsSnapshot struct {
	Received      int64            `json:"received"`
	Accepted      int64            `json:"accepted"`
	Dropped       int64            `json:"dropped"`
	Created       int64            `json:"created"`
	Existing      int64            `json:"existing"`
	Skipped       map[string]int64 `json:"skipped"`
	DedupSize     int              `json:"dedup_size"`
	QueueDepth    int              `json:"queue_depth"`
	QueueCapacity int              `json:"queue_capacity"`
	Recent        []Outcome        `json:"recent,omitempty"`
}

func (s *Stats) skip(reason string) {
	if c, ok := s.skipped[reason]; ok {
		c.Add(1)
	}
}

func (s *Stats) record(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	switch o.Result {
	case resultCreated:
		s.created.Add(1)
	case resultExisting:
		s.existing.Add(1)
	default:
		s.skip(o.Reason)
	}

	s.recentMu.Lock()
	s.recent = append([]Outcome{o}, s.recent...)
	if len(s.recent) > maxRecentOutcomes {
		s.recent = s.recent[:maxRecentOutcomes]
	}
	s.recentMu.Unlock()
}

// Skipped returns the count for one skip reason.
func (s *Stats) Skipped(reason string) int64 {
	if c, ok := s.skipped[reason]; ok {
		return c.Load()
	}
	return 0
}

func (s *Stats) Created() int64 { return s.created.Load() }

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Received: s.received.Load(),
		Accepted: s.accepted.Load(),
		Dropped:  s.dropped.Load(),
		Created:  s.created.Load(),
		Existing: s.existing.Load(),
		Skipped:  make(map[string]int64, len(s.skipped)),
	}
	for r, c := range s.skipped {
		snap.Skipped[r] = c.Load()
	}
	s.recentMu.RLock()
	snap.Recent = append([]Outcome(nil), s.recent...)
	s.recentMu.RUnlock()
	return snap
}
