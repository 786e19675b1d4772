// Package hlsengine loads live HLS streams over HTTP and feeds their media
// segments into a sink. It implements the session package's Engine contract:
// commands return immediately and lifecycle events are reported from the
// loader goroutine.
package hlsengine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"livewatch/internal/session"
)

const (
	defaultLiveEdgeSegments = 3
	defaultSegmentRetries   = 2
	defaultRefreshInterval  = time.Second
	maxBodySize             = 64 << 20

	tsPacketSize = 188
	tsSyncByte   = 0x47
)

// SegmentWriter is implemented by sinks that accept media segments.
type SegmentWriter interface {
	WriteSegment(seq int64, duration time.Duration, data []byte) error
}

// Options configures an Engine.
type Options struct {
	Client *http.Client
	// SegmentRate caps segment downloads per second; <= 0 means no limit.
	SegmentRate float64
	Logger      *slog.Logger
	// LiveEdgeSegments is how many segments behind the live edge loading starts.
	LiveEdgeSegments int
	// SegmentRetries is how many times a failed segment download is retried
	// before the failure becomes fatal. Zero selects the default, negative
	// disables retries.
	SegmentRetries int
}

// Factory creates engines. A disabled factory reports the engine as
// unsupported so sessions fall back to native playback.
type Factory struct {
	Options
	Disabled bool
}

// Supported implements session.EngineFactory.
func (f *Factory) Supported() bool {
	return f != nil && !f.Disabled
}

// New implements session.EngineFactory.
func (f *Factory) New(h session.EngineHandlers) session.Engine {
	return New(h, f.Options)
}

// Engine is a single HLS loader instance.
type Engine struct {
	handlers       session.EngineHandlers
	client         *http.Client
	limiter        *rate.Limiter
	log            *slog.Logger
	edge           int
	segmentRetries int

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	recover chan struct{}

	mu      sync.Mutex
	url     string
	sink    session.Sink
	started bool
}

// New returns an idle engine. Loading begins once both Load and Attach
// have been called.
func New(h session.EngineHandlers, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		handlers:       h,
		client:         opts.Client,
		log:            opts.Logger,
		edge:           opts.LiveEdgeSegments,
		segmentRetries: opts.SegmentRetries,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		recover:        make(chan struct{}, 1),
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.edge <= 0 {
		e.edge = defaultLiveEdgeSegments
	}
	if e.segmentRetries < 0 {
		e.segmentRetries = 0
	} else if e.segmentRetries == 0 {
		e.segmentRetries = defaultSegmentRetries
	}
	if opts.SegmentRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.SegmentRate), 1)
	} else {
		e.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return e
}

// Load sets the manifest URL.
func (e *Engine) Load(manifestURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.url = manifestURL
	e.startLocked()
}

// Attach sets the sink segments are written to.
func (e *Engine) Attach(s session.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.sink = s
	e.startLocked()
}

// RecoverMediaError resumes loading after a media error, skipping the
// segment that caused it.
func (e *Engine) RecoverMediaError() {
	select {
	case e.recover <- struct{}{}:
	default:
	}
}

// Destroy stops the engine. It does not wait for the loader to exit.
func (e *Engine) Destroy() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		e.started = true
		close(e.done)
	}
}

// Wait blocks until the loader goroutine has exited. It returns at once
// for an engine destroyed before it started.
func (e *Engine) Wait() {
	<-e.done
}

func (e *Engine) startLocked() {
	if e.started || e.url == "" || e.sink == nil || e.ctx.Err() != nil {
		return
	}
	e.started = true
	go e.run(e.ctx, e.url, e.sink)
}

func (e *Engine) run(ctx context.Context, manifestURL string, sink session.Sink) {
	defer close(e.done)

	w, ok := sink.(SegmentWriter)
	if !ok {
		e.fatal(ctx, ErrSinkIncompatible, "attach")
		return
	}

	pl, mediaURL, err := e.loadMedia(ctx, manifestURL)
	if err != nil {
		e.fatal(ctx, err, "manifest load")
		return
	}
	e.log.Debug("manifest parsed",
		slog.String("url", mediaURL),
		slog.Int("segments", len(pl.Segments)),
		slog.Duration("target_duration", pl.TargetDuration))
	e.manifestParsed(ctx)

	next := liveEdge(pl, e.edge)
	for {
		for _, seg := range pl.Segments {
			if seg.Sequence < next {
				continue
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			data, err := e.fetchSegment(ctx, seg)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				e.fatal(ctx, err, fmt.Sprintf("segment %d load", seg.Sequence))
				return
			}
			next = seg.Sequence + 1

			if err := validateSegment(seg.URI, data); err != nil {
				e.drainRecover()
				e.fatal(ctx, err, fmt.Sprintf("segment %d", seg.Sequence))
				if !e.awaitRecovery(ctx) {
					return
				}
				e.log.Info("media error recovered, skipping segment", slog.Int64("sequence", seg.Sequence))
				continue
			}
			if err := w.WriteSegment(seg.Sequence, seg.Length(), data); err != nil {
				e.fatal(ctx, fmt.Errorf("%w: %v", ErrSinkWrite, err), "buffer append")
				return
			}
		}

		if pl.Ended {
			e.log.Info("stream ended", slog.String("url", mediaURL))
			return
		}

		refresh := pl.TargetDuration
		if refresh <= 0 {
			refresh = defaultRefreshInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}

		pl, err = e.fetchPlaylist(ctx, mediaURL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.fatal(ctx, err, "playlist reload")
			return
		}
		if n := len(pl.Segments); n > 0 && pl.Segments[n-1].Sequence < next-1 {
			e.log.Warn("media sequence went backwards, rejoining live edge",
				slog.Int64("expected", next),
				slog.Int64("last", pl.Segments[n-1].Sequence))
			next = liveEdge(pl, e.edge)
		}
	}
}

// loadMedia fetches the manifest and, for a master playlist, the
// highest-bandwidth variant.
func (e *Engine) loadMedia(ctx context.Context, manifestURL string) (*Playlist, string, error) {
	pl, err := e.fetchPlaylist(ctx, manifestURL)
	if err != nil {
		return nil, "", err
	}
	if !pl.IsMaster() {
		return pl, manifestURL, nil
	}

	v, _ := pl.BestVariant()
	media, err := e.fetchPlaylist(ctx, v.URI)
	if err != nil {
		return nil, "", err
	}
	if media.IsMaster() {
		return nil, "", fmt.Errorf("%w: nested master playlist at %s", ErrNoVariants, v.URI)
	}
	return media, v.URI, nil
}

func (e *Engine) fetchPlaylist(ctx context.Context, rawURL string) (*Playlist, error) {
	body, err := e.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return ParsePlaylist(base, string(body))
}

func (e *Engine) fetchSegment(ctx context.Context, seg Segment) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.segmentRetries; attempt++ {
		data, err := e.get(ctx, seg.URI)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt == e.segmentRetries {
			break
		}
		e.emitError(ctx, session.EngineError{
			Type:    errorType(err),
			Fatal:   false,
			Details: fmt.Sprintf("segment %d load, retrying", seg.Sequence),
			Err:     err,
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (e *Engine) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

func (e *Engine) awaitRecovery(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.recover:
		return true
	}
}

func (e *Engine) drainRecover() {
	select {
	case <-e.recover:
	default:
	}
}

func (e *Engine) manifestParsed(ctx context.Context) {
	if ctx.Err() != nil || e.handlers.ManifestParsed == nil {
		return
	}
	e.handlers.ManifestParsed()
}

func (e *Engine) fatal(ctx context.Context, err error, details string) {
	e.log.Debug("engine error",
		slog.String("details", details),
		slog.String("error", err.Error()))
	e.emitError(ctx, session.EngineError{
		Type:    errorType(err),
		Fatal:   true,
		Details: details,
		Err:     err,
	})
}

func (e *Engine) emitError(ctx context.Context, ee session.EngineError) {
	if ctx.Err() != nil || e.handlers.Error == nil {
		return
	}
	e.handlers.Error(ee)
}

// liveEdge returns the sequence loading starts from: n segments behind
// the newest one.
func liveEdge(pl *Playlist, n int) int64 {
	if len(pl.Segments) == 0 {
		return pl.MediaSequence
	}
	idx := len(pl.Segments) - n
	if idx < 0 {
		idx = 0
	}
	return pl.Segments[idx].Sequence
}

// validateSegment rejects empty segments and MPEG-TS segments that do
// not start on packet boundaries.
func validateSegment(uri string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty segment", ErrCorruptSegment)
	}
	if !isTransportStream(uri) {
		return nil
	}
	if data[0] != tsSyncByte {
		return fmt.Errorf("%w: missing sync byte", ErrCorruptSegment)
	}
	if len(data) > tsPacketSize && data[tsPacketSize] != tsSyncByte {
		return fmt.Errorf("%w: misaligned packet", ErrCorruptSegment)
	}
	return nil
}

func isTransportStream(uri string) bool {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}
	return path.Ext(p) == ".ts"
}
