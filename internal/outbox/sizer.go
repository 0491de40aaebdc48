// Package outbox implements the dispatcher (C4), its per-batch failure
// classifier (C5), and the adaptive batch sizer (C6) that closes the
// loop between dispatch latency and lease size.
package outbox

import "sync"

// SizerParams are the AdaptiveBatchSizer's bounds and target, per §4.6.
type SizerParams struct {
	Min              int
	Max              int
	TargetLatencyMs  int64
}

func DefaultSizerParams() SizerParams {
	return SizerParams{Min: 10, Max: 2000, TargetLatencyMs: 200}
}

// AdaptiveBatchSizer is a tiny AIMD-flavoured feedback controller:
// it grows the lease size while the downstream keeps up, and shrinks
// it as soon as latency crosses the target, never sitting above what
// throughput justifies (§9).
type AdaptiveBatchSizer struct {
	params  SizerParams
	mu      sync.Mutex
	current int
}

func NewAdaptiveBatchSizer(params SizerParams) *AdaptiveBatchSizer {
	return &AdaptiveBatchSizer{params: params, current: params.Min}
}

// CurrentSize returns the batch size to request on the next lease.
func (s *AdaptiveBatchSizer) CurrentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Adjust updates current from one iteration's observed latency and
// record count, per §4.6's three-way rule.
func (s *AdaptiveBatchSizer) Adjust(elapsedMs int64, recordsReturned int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case recordsReturned < s.current:
		// The queue is draining: no point leasing more than is there.
		s.current = s.params.Min
	case elapsedMs < s.params.TargetLatencyMs:
		s.current = clamp(int(float64(s.current)*1.2), s.params.Min, s.params.Max)
	default:
		s.current = clamp(int(float64(s.current)*0.7), s.params.Min, s.params.Max)
	}
}

// Reset returns the controller to its minimum, used on the idle branch
// of the dispatcher's per-iteration protocol (§4.4 step 2).
func (s *AdaptiveBatchSizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.params.Min
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
