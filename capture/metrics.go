package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/abihf/framewatch/analysis"
)

// intervalWindow is how many inter-frame intervals the jitter statistics cover.
const intervalWindow = 256

// FrameResult is the analysis of one buffer of one completed request.
type FrameResult struct {
	Frame  uint64
	Buffer int
	analysis.Result
}

// Metrics is written by the completion handler and read by the session
// and the status server, possibly from different goroutines.
type Metrics struct {
	start time.Time

	frames          atomic.Uint64
	cancelled       atomic.Uint64
	mapFailures     atomic.Uint64
	requeueFailures atomic.Uint64
	failedAnalyses  atomic.Uint64
	darkFrames      atomic.Uint64
	blobHits        atomic.Uint64

	last atomic.Pointer[FrameResult]

	intervals intervalRing
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Frames          uint64
	Cancelled       uint64
	MapFailures     uint64
	RequeueFailures uint64
	FailedAnalyses  uint64
	DarkFrames      uint64
	BlobHits        uint64
	Elapsed         time.Duration
	FPS             float64
	Last            *FrameResult

	// Mean and standard deviation of the driver timestamps of the last
	// intervalWindow frames. Zero until three frames arrived.
	IntervalMean   time.Duration
	IntervalStdDev time.Duration
}

// Begin marks the start of the measured interval. It must be called before
// the driver can deliver completions.
func (m *Metrics) Begin(now time.Time) { m.start = now }

func (m *Metrics) Started() time.Time { return m.start }

// AddFrame counts a completion and returns the new total.
func (m *Metrics) AddFrame() uint64 { return m.frames.Add(1) }

func (m *Metrics) Frames() uint64 { return m.frames.Load() }

func (m *Metrics) addCancelled()       { m.cancelled.Add(1) }
func (m *Metrics) addMapFailure()      { m.mapFailures.Add(1) }
func (m *Metrics) addRequeueFailure()  { m.requeueFailures.Add(1) }
func (m *Metrics) addAnalysisFailure() { m.failedAnalyses.Add(1) }

// observe feeds the driver timestamp of a completed frame.
func (m *Metrics) observe(ts time.Time) { m.intervals.add(ts) }

func (m *Metrics) record(res FrameResult, dark bool) {
	if dark {
		m.darkFrames.Add(1)
	}
	if res.Found {
		m.blobHits.Add(1)
	}
	m.last.Store(&res)
}

// Snapshot reads every counter and computes throughput up to now.
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		Frames:          m.frames.Load(),
		Cancelled:       m.cancelled.Load(),
		MapFailures:     m.mapFailures.Load(),
		RequeueFailures: m.requeueFailures.Load(),
		FailedAnalyses:  m.failedAnalyses.Load(),
		DarkFrames:      m.darkFrames.Load(),
		BlobHits:        m.blobHits.Load(),
		Last:            m.last.Load(),
	}
	if !m.start.IsZero() {
		s.Elapsed = now.Sub(m.start)
	}
	s.FPS = Throughput(s.Frames, s.Elapsed)
	s.IntervalMean, s.IntervalStdDev = m.intervals.stats()
	return s
}

// Throughput is frames per second over elapsed; zero for an empty interval.
func Throughput(frames uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(frames) / elapsed.Seconds()
}

type intervalRing struct {
	mu   sync.Mutex
	prev time.Time
	ms   []float64
	next int
}

func (r *intervalRing) add(ts time.Time) {
	if ts.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.prev.IsZero() {
		d := float64(ts.Sub(r.prev)) / float64(time.Millisecond)
		if len(r.ms) < intervalWindow {
			r.ms = append(r.ms, d)
		} else {
			r.ms[r.next] = d
			r.next = (r.next + 1) % intervalWindow
		}
	}
	r.prev = ts
}

func (r *intervalRing) stats() (mean, stddev time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ms) < 2 {
		return 0, 0
	}
	m, sd := stat.MeanStdDev(r.ms, nil)
	return time.Duration(m * float64(time.Millisecond)), time.Duration(sd * float64(time.Millisecond))
}
