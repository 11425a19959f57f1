package capture

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/ingest"
)

// FinishedSegment is the output of one recorder cycle: the buffered chunks
// of each track and the cycle's wall-clock duration.
type FinishedSegment struct {
	Video    [][]byte
	Audio    [][]byte
	Duration time.Duration
}

// VideoSize returns the total byte size of the muxed A/V track.
func (s FinishedSegment) VideoSize() int64 {
	var n int64
	for _, c := range s.Video {
		n += int64(len(c))
	}
	return n
}

// AudioSize returns the total byte size of the audio-only track.
func (s FinishedSegment) AudioSize() int64 {
	var n int64
	for _, c := range s.Audio {
		n += int64(len(c))
	}
	return n
}

// RecorderToken is one single-use recording cycle on a stream handle.
// Created by SegmentRecorder.Begin, consumed by SegmentRecorder.End.
type RecorderToken struct {
	startedAt time.Time

	mu    sync.Mutex
	video [][]byte
	audio [][]byte
	ended bool

	stop chan struct{}
	done chan struct{}
}

func (t *RecorderToken) append(c ingest.Chunk) {
	t.mu.Lock()
	if c.Kind == ingest.ChunkAudio {
		t.audio = append(t.audio, c.Data)
	} else {
		t.video = append(t.video, c.Data)
	}
	t.mu.Unlock()
}

// SegmentRecorder records bounded cycles from a stream handle into memory.
type SegmentRecorder struct {
	logger *zap.Logger
}

// NewSegmentRecorder creates a segment recorder.
func NewSegmentRecorder(logger *zap.Logger) *SegmentRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SegmentRecorder{logger: logger}
}

// Begin starts buffering chunks from the handle and returns the cycle's
// token. Consecutive cycles on the same handle share its chunk channel, so
// rotation loses nothing at the boundary.
func (r *SegmentRecorder) Begin(h *StreamHandle) (*RecorderToken, error) {
	if h == nil || h.Closed() {
		return nil, ErrRecorderStart
	}
	t := &RecorderToken{
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		for {
			select {
			case <-t.stop:
				// Final flush: take what is already buffered, then hand the
				// channel over to the next cycle.
				for {
					select {
					case c, ok := <-h.chunks:
						if !ok {
							return
						}
						t.append(c)
					default:
						return
					}
				}
			case c, ok := <-h.chunks:
				if !ok {
					return
				}
				t.append(c)
			}
		}
	}()
	return t, nil
}

// End stops the cycle, waits for the final flush, and returns the segment.
// A token is single-use: a second End returns ErrTokenEnded.
func (r *SegmentRecorder) End(t *RecorderToken) (FinishedSegment, error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return FinishedSegment{}, ErrTokenEnded
	}
	t.ended = true
	t.mu.Unlock()

	close(t.stop)
	<-t.done

	t.mu.Lock()
	seg := FinishedSegment{
		Video:    t.video,
		Audio:    t.audio,
		Duration: time.Since(t.startedAt),
	}
	t.mu.Unlock()
	return seg, nil
}
