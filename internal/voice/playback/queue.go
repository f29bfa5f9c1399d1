// Package playback plays synthesized speech segments in strict arrival
// order, queuing overlapping deliveries.
package playback

import (
	"log/slog"
	"sync"

	"github.com/rcarraroia/renus-agent-v1/internal/metrics"
)

// Segment is one encoded audio payload awaiting playback.
type Segment struct {
	ID          string
	AudioBase64 string
	Format      string
}

// Queue serializes playback: at most one segment plays at a time and
// segments play in enqueue order. A failing segment is logged and skipped;
// the queue never stalls on a bad payload.
type Queue struct {
	sink Sink

	onDrained func()
	onError   func(seg Segment, err error)

	mu      sync.Mutex
	pending []Segment
	playing bool

	wg sync.WaitGroup
}

func NewQueue(sink Sink) *Queue {
	return &Queue{sink: sink}
}

// SetOnDrained registers a callback fired when the queue empties after
// having played at least one segment.
func (q *Queue) SetOnDrained(fn func()) {
	q.onDrained = fn
}

// SetOnError registers a callback fired when a single segment fails to
// decode or play. The queue continues with the next segment regardless.
func (q *Queue) SetOnError(fn func(seg Segment, err error)) {
	q.onError = fn
}

// Enqueue schedules a segment. Playback starts immediately when nothing is
// playing; otherwise the segment waits its turn.
func (q *Queue) Enqueue(seg Segment) {
	q.mu.Lock()
	q.pending = append(q.pending, seg)
	metrics.PlaybackQueueDepth.Set(float64(len(q.pending)))
	start := !q.playing
	if start {
		q.playing = true
	}
	q.mu.Unlock()

	if start {
		q.wg.Add(1)
		go q.drain()
	}
}

// IsPlaying reports whether any segment is mid-playback or waiting.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Clear drops all segments that have not started playing yet. The segment
// currently playing, if any, runs to completion.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = q.pending[:0]
	metrics.PlaybackQueueDepth.Set(0)
	q.mu.Unlock()
}

// Wait blocks until the current drain finishes. Used on shutdown.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.playing = false
			q.mu.Unlock()
			if q.onDrained != nil {
				q.onDrained()
			}
			return
		}
		seg := q.pending[0]
		q.pending = q.pending[1:]
		metrics.PlaybackQueueDepth.Set(float64(len(q.pending)))
		q.mu.Unlock()

		if err := q.sink.Play(seg); err != nil {
			slog.Error("playback: segment failed, continuing", "segment_id", seg.ID, "error", err)
			metrics.ErrorsTotal.WithLabelValues("playback").Inc()
			if q.onError != nil {
				q.onError(seg, err)
			}
		}
	}
}
