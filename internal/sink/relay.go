package sink

import (
	"fmt"
	"sort"

	"livewatch/internal/hlsengine"
)

// SegmentURI returns the relay path of segment seq, relative to the playlist.
func SegmentURI(seq int64) string {
	return fmt.Sprintf("segments/%d.ts", seq)
}

// Playlist renders the relay window as a live playlist. Segments after a
// gap stay hidden until the gap is filled or slides out of the window.
func (s *SegmentSink) Playlist() string {
	s.mu.Lock()
	segs := make([]hlsengine.Segment, 0, len(s.window))
	for seq, c := range s.window {
		segs = append(segs, hlsengine.Segment{
			Sequence: seq,
			Duration: c.duration.Seconds(),
			URI:      SegmentURI(seq),
		})
	}
	s.mu.Unlock()

	return hlsengine.BuildLivePlaylist(contiguousVisibleSegments(segs, s.windowSize), false)
}

// Segment returns the data of a segment still in the relay window.
func (s *SegmentSink) Segment(seq int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.window[seq]
	if !ok {
		return nil, false
	}
	return c.data, true
}

// pruneLocked drops segments that fell out of the window ending at newest.
func (s *SegmentSink) pruneLocked(newest int64) {
	top := newest
	for seq := range s.window {
		if seq > top {
			top = seq
		}
	}
	for seq := range s.window {
		if seq <= top-int64(s.windowSize) {
			delete(s.window, seq)
		}
	}
}

// contiguousVisibleSegments slides the window over segs, then keeps the
// run of consecutive sequences from its start. A missing segment
// eventually falls off the back of the window.
func contiguousVisibleSegments(segs []hlsengine.Segment, windowSize int) []hlsengine.Segment {
	if len(segs) == 0 {
		return nil
	}
	sort.Slice(segs, func(i, j int) bool {
		return segs[i].Sequence < segs[j].Sequence
	})

	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]hlsengine.Segment, 0, len(windowed))
	for i := range windowed {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}
