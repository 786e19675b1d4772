// Package sink provides the playback surface sessions render into. A
// SegmentSink receives media segments from an adaptive engine or pulls a
// progressive stream by itself, watches for stalls, and keeps a relay
// window of recent segments for local players.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"livewatch/internal/hlsengine"
	"livewatch/internal/session"
)

const (
	// DefaultStallTimeout is how long playback may go without data before
	// the sink reports waiting.
	DefaultStallTimeout = 8 * time.Second

	// DefaultWindowSize is the number of segments kept in the relay window.
	DefaultWindowSize = 6

	readChunkSize = 32 << 10
)

var (
	// ErrClosed is returned by operations on a closed sink.
	ErrClosed = errors.New("sink: closed")

	// ErrInvalidSource is returned by SetSource for URLs the sink cannot pull.
	ErrInvalidSource = errors.New("sink: invalid source url")

	errStreamEnded = errors.New("sink: progressive stream ended")
)

var (
	_ session.Sink            = (*SegmentSink)(nil)
	_ hlsengine.SegmentWriter = (*SegmentSink)(nil)
)

// Options configures a SegmentSink. Zero values select defaults.
type Options struct {
	Client       *http.Client
	Logger       *slog.Logger
	StallTimeout time.Duration
	WindowSize   int
	// NativeHLS makes CanPlayNatively accept adaptive streams.
	NativeHLS bool
}

type listener struct {
	id uint64
	fn func(session.SinkEvent)
}

// SegmentSink implements session.Sink and hlsengine.SegmentWriter.
// Listeners are called from the sink's dispatcher goroutine in emission
// order, never while a SegmentSink method is running on the caller's stack.
type SegmentSink struct {
	client       *http.Client
	log          *slog.Logger
	stallTimeout time.Duration
	windowSize   int
	nativeHLS    bool

	notify chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	listeners  []listener
	nextID     uint64
	queue      []session.SinkEvent
	attachSeq  uint64
	source     string
	pullCancel context.CancelFunc
	started    bool
	playing    bool
	lastData   time.Time
	watchdog   *time.Timer
	watchSeq   uint64
	window     map[int64]chunk
	received   int64
}

type chunk struct {
	duration time.Duration
	data     []byte
}

// New returns a running sink. Call Close to stop it.
func New(opts Options) *SegmentSink {
	s := &SegmentSink{
		client:       opts.Client,
		log:          opts.Logger,
		stallTimeout: opts.StallTimeout,
		windowSize:   opts.WindowSize,
		nativeHLS:    opts.NativeHLS,
		notify:       make(chan struct{}, 1),
		quit:         make(chan struct{}),
		window:       make(map[int64]chunk),
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.stallTimeout <= 0 {
		s.stallTimeout = DefaultStallTimeout
	}
	if s.windowSize <= 0 {
		s.windowSize = DefaultWindowSize
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Listen implements session.Sink.
func (s *SegmentSink) Listen(fn func(session.SinkEvent)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// CanPlayNatively implements session.Sink. Only adaptive streams can be
// pulled natively, and only when enabled.
func (s *SegmentSink) CanPlayNatively(t session.DeliveryType) bool {
	return s.nativeHLS && t == session.DeliveryAdaptive
}

// SetSource implements session.Sink. It replaces any current source and
// starts pulling rawURL in the background.
func (s *SegmentSink) SetSource(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidSource, rawURL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.resetLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.source = rawURL
	s.pullCancel = cancel
	seq := s.attachSeq
	s.wg.Add(1)
	go s.pull(ctx, rawURL, seq)
	return nil
}

// Play implements session.Sink. The first data after Play (or after a
// stall) emits playing; no data for the stall timeout emits waiting.
func (s *SegmentSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	if s.received > 0 {
		s.playing = true
		s.emitLocked(session.SinkEvent{Type: session.SinkPlaying})
	}
	s.armWatchdogLocked()
	return nil
}

// Detach implements session.Sink: it stops any native pull, the stall
// watchdog and clears the relay window.
func (s *SegmentSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// WriteSegment implements hlsengine.SegmentWriter.
func (s *SegmentSink) WriteSegment(seq int64, duration time.Duration, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, dup := s.window[seq]; !dup {
		s.window[seq] = chunk{duration: duration, data: data}
		s.pruneLocked(seq)
	}
	s.onDataLocked()
	return nil
}

// Source returns the URL being pulled natively, if any.
func (s *SegmentSink) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Received returns how many segments or native chunks arrived since the
// sink was last attached.
func (s *SegmentSink) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Close stops the sink and waits for its goroutines. It must not be called
// from a listener.
func (s *SegmentSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.resetLocked()
	s.listeners = nil
	s.queue = nil
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
}

// resetLocked invalidates the current attachment. Pull and watchdog
// callbacks carrying an older attachSeq are ignored.
func (s *SegmentSink) resetLocked() {
	s.attachSeq++
	if s.pullCancel != nil {
		s.pullCancel()
		s.pullCancel = nil
	}
	s.stopWatchdogLocked()
	s.source = ""
	s.started = false
	s.playing = false
	s.received = 0
	s.lastData = time.Time{}
	clear(s.window)
}

func (s *SegmentSink) onDataLocked() {
	s.received++
	s.lastData = time.Now()
	if !s.started {
		return
	}
	if !s.playing {
		s.playing = true
		s.emitLocked(session.SinkEvent{Type: session.SinkPlaying})
	}
	s.armWatchdogLocked()
}

func (s *SegmentSink) armWatchdogLocked() {
	s.stopWatchdogLocked()
	seq, attach := s.watchSeq, s.attachSeq
	s.watchdog = time.AfterFunc(s.stallTimeout, func() { s.onStall(attach, seq) })
}

func (s *SegmentSink) stopWatchdogLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.watchSeq++
}

func (s *SegmentSink) onStall(attach, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || attach != s.attachSeq || seq != s.watchSeq || !s.started {
		return
	}
	s.watchdog = nil
	if !s.playing {
		return
	}
	s.playing = false
	s.log.Debug("playback stalled",
		slog.Duration("stall_timeout", s.stallTimeout),
		slog.Time("last_data", s.lastData))
	s.emitLocked(session.SinkEvent{Type: session.SinkWaiting})
}

// pull reads a progressive stream until it ends, fails or is cancelled.
func (s *SegmentSink) pull(ctx context.Context, rawURL string, seq uint64) {
	defer s.wg.Done()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		s.pullFailed(ctx, seq, err)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.pullFailed(ctx, seq, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.pullFailed(ctx, seq, fmt.Errorf("sink: GET %s: status %d", rawURL, resp.StatusCode))
		return
	}

	s.mu.Lock()
	if seq != s.attachSeq || s.closed {
		s.mu.Unlock()
		return
	}
	s.emitLocked(session.SinkEvent{Type: session.SinkLoaded})
	// Native sources autoplay.
	s.started = true
	s.armWatchdogLocked()
	s.mu.Unlock()

	buf := make([]byte, readChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			s.mu.Lock()
			if seq != s.attachSeq || s.closed {
				s.mu.Unlock()
				return
			}
			s.onDataLocked()
			s.mu.Unlock()
		}
		if errors.Is(err, io.EOF) {
			s.pullFailed(ctx, seq, errStreamEnded)
			return
		}
		if err != nil {
			s.pullFailed(ctx, seq, err)
			return
		}
	}
}

func (s *SegmentSink) pullFailed(ctx context.Context, seq uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.attachSeq || s.closed {
		return
	}
	s.log.Debug("native source failed", slog.String("error", err.Error()))
	s.stopWatchdogLocked()
	s.playing = false
	s.emitLocked(session.SinkEvent{Type: session.SinkError, Err: err})
}

func (s *SegmentSink) emitLocked(ev session.SinkEvent) {
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *SegmentSink) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.closed {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			fns := make([]func(session.SinkEvent), len(s.listeners))
			for i, l := range s.listeners {
				fns[i] = l.fn
			}
			s.mu.Unlock()

			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}
