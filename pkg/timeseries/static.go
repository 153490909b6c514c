package timeseries

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoWindow is returned by StaticSource when no queued window remains.
var ErrNoWindow = errors.New("timeseries: no window available")

// StaticSource serves pre-loaded windows in FIFO order. It is used for
// tests and for manual backfill runs where windows are assembled offline.
// Safe for concurrent use.
type StaticSource struct {
	mu      sync.Mutex
	windows []Window
}

// NewStaticSource creates a source that will serve the given windows in order.
func NewStaticSource(windows ...Window) *StaticSource {
	return &StaticSource{windows: windows}
}

func (s *StaticSource) Name() string { return "static" }

// Push appends a window to the queue.
func (s *StaticSource) Push(w Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
}

// FetchWindow pops the next queued window, stamping it with the requested
// vessel and interval. Tags not in the queued window stay absent, matching
// upstream stores that drop series with no points.
func (s *StaticSource) FetchWindow(ctx context.Context, vessel string, start, end time.Time, tags []string) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.windows) == 0 {
		return Window{}, ErrNoWindow
	}

	win := s.windows[0]
	s.windows = s.windows[1:]

	win.VesselID = vessel
	win.Start = start
	win.End = end
	win.Sort()
	return win, nil
}
