package registry

import (
	"sync/atomic"
	"time"
)

// durationWindow is the number of recent durations retained per message
// type for average-latency reporting.
const durationWindow = 100

// typeStats tracks per-message-type counters and a rolling duration window.
// Counters are lock-free atomics; the window is a fixed-capacity ring
// buffer with a monotonic write index.
type typeStats struct {
	processed atomic.Int64
	failed    atomic.Int64

	writeIdx  atomic.Uint64
	durations [durationWindow]atomic.Int64
}

func (s *typeStats) record(d time.Duration, failed bool) {
	if failed {
		s.failed.Add(1)
	} else {
		s.processed.Add(1)
	}
	idx := s.writeIdx.Add(1) - 1
	s.durations[idx%durationWindow].Store(int64(d))
}

func (s *typeStats) snapshot() TypeStats {
	written := s.writeIdx.Load()
	n := written
	if n > durationWindow {
		n = durationWindow
	}

	var sum int64
	for i := uint64(0); i < n; i++ {
		sum += s.durations[i].Load()
	}

	snap := TypeStats{
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
	}
	if n > 0 {
		snap.AvgDuration = time.Duration(sum / int64(n))
	}
	return snap
}

// TypeStats is a point-in-time view of one message type's counters.
type TypeStats struct {
	Processed   int64
	Failed      int64
	AvgDuration time.Duration
}
