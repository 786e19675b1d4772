package session

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var liveHLS = StreamDescriptor{URL: "https://x/live.m3u8", DeliveryType: DeliveryAdaptive}

type harness struct {
	engines  *fakeFactory
	sink     *fakeSink
	clock    *fakeClock
	observer *recordingObserver
	ctrl     *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engines:  &fakeFactory{},
		sink:     newFakeSink(),
		clock:    &fakeClock{},
		observer: &recordingObserver{},
	}
	h.ctrl = NewController(h.engines, h.sink, Options{
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer: h.observer,
	})
	return h
}

func TestController_Open_adaptive_reaches_playing(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Open(liveHLS)
	assert.Equal(t, StatusConnecting, h.ctrl.Status().Status)
	require.Equal(t, 1, h.engines.count())

	eng := h.engines.last()
	assert.Equal(t, liveHLS.URL, eng.loaded)
	assert.Same(t, h.sink, eng.attached)

	eng.manifestParsed()
	st := h.ctrl.State()
	assert.Equal(t, StatusPlaying, st.Status)
	assert.Equal(t, 0, st.RetryCount)
	assert.Empty(t, st.Message)
	assert.Equal(t, 1, h.sink.plays)
}

func TestController_play_rejection_still_reports_playing(t *testing.T) {
	h := newHarness(t)
	h.sink.playErr = errors.New("autoplay blocked")

	h.ctrl.Open(liveHLS)
	h.engines.last().manifestParsed()

	assert.Equal(t, StatusPlaying, h.ctrl.Status().Status)
}

func TestController_network_retry_scenario(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Open(liveHLS)
	h.engines.last().manifestParsed()
	require.Equal(t, StatusPlaying, h.ctrl.Status().Status)

	first := h.engines.last()
	first.fail(ErrorTypeNetwork)

	st := h.ctrl.State()
	assert.Equal(t, StatusConnecting, st.Status)
	assert.Contains(t, st.Message, "1/10")
	assert.Equal(t, 1, st.RetryCount)
	assert.True(t, first.isDestroyed())
	require.Len(t, h.clock.pending(), 1)
	assert.Equal(t, DefaultRetryDelay, h.clock.pending()[0].delay)

	for i := 2; i <= 11; i++ {
		require.True(t, h.clock.fire(), "retry timer %d", i)
		require.Equal(t, i, h.engines.count())
		h.engines.last().fail(ErrorTypeNetwork)
	}

	st = h.ctrl.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, MessageUnreachable, st.Message)
	assert.Equal(t, 10, st.RetryCount)
	assert.Empty(t, h.clock.pending())
	assert.False(t, h.ctrl.RetryPending())
	assert.True(t, h.engines.last().isDestroyed())

	h.ctrl.Retry()
	st = h.ctrl.State()
	assert.Equal(t, StatusConnecting, st.Status)
	assert.Equal(t, 0, st.RetryCount)
	assert.Empty(t, st.Message)
	assert.Equal(t, 12, h.engines.count())
}

func TestController_retry_count_strictly_increases(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)

	for want := 1; want <= DefaultMaxRetries; want++ {
		h.engines.last().fail(ErrorTypeNetwork)
		st := h.ctrl.State()
		require.Equal(t, want, st.RetryCount)
		require.Equal(t, StatusConnecting, st.Status)
		require.Len(t, h.clock.pending(), 1, "exactly one pending timer")
		h.clock.fire()
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, h.observer.retries)
}

func TestController_manifest_resets_retry_count(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)

	h.engines.last().fail(ErrorTypeNetwork)
	h.clock.fire()
	h.engines.last().fail(ErrorTypeNetwork)
	h.clock.fire()
	require.Equal(t, 2, h.ctrl.State().RetryCount)

	h.engines.last().manifestParsed()
	assert.Equal(t, 0, h.ctrl.State().RetryCount)
	assert.Equal(t, StatusPlaying, h.ctrl.Status().Status)
}

func TestController_media_error_recovers_in_place(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	eng := h.engines.last()
	eng.manifestParsed()
	eng.fail(ErrorTypeNetwork)
	h.clock.fire()
	eng = h.engines.last()
	eng.manifestParsed()
	h.sink.emit(SinkEvent{Type: SinkWaiting})

	before := h.ctrl.State()
	eng.fail(ErrorTypeMedia)
	after := h.ctrl.State()

	assert.Equal(t, before, after)
	assert.Equal(t, 1, eng.recovered)
	assert.False(t, eng.isDestroyed())
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 1, h.observer.recoveries)
}

func TestController_other_fatal_error_fails_without_retry(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	eng := h.engines.last()

	eng.fail(ErrorTypeOther)

	st := h.ctrl.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, MessageFatal, st.Message)
	assert.Equal(t, 0, st.RetryCount)
	assert.True(t, eng.isDestroyed())
	assert.Empty(t, h.clock.pending())
}

func TestController_non_fatal_error_is_ignored(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	eng := h.engines.last()
	eng.manifestParsed()

	eng.handlers.Error(EngineError{Type: ErrorTypeNetwork, Fatal: false})

	assert.Equal(t, StatusPlaying, h.ctrl.Status().Status)
	assert.Equal(t, 0, h.ctrl.State().RetryCount)
	assert.Empty(t, h.clock.pending())
}

func TestController_superseded_open_discards_stale_events(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Open(liveHLS)
	stale := h.engines.last()
	h.ctrl.Open(StreamDescriptor{URL: "https://y/other.m3u8", DeliveryType: DeliveryAdaptive})
	require.True(t, stale.isDestroyed())

	before := h.ctrl.State()
	statuses := len(h.observer.statuses)

	stale.manifestParsed()
	stale.fail(ErrorTypeNetwork)
	stale.fail(ErrorTypeMedia)
	stale.fail(ErrorTypeOther)

	assert.Equal(t, before, h.ctrl.State())
	assert.Len(t, h.observer.statuses, statuses)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 0, stale.recovered)
	assert.Equal(t, 2, h.engines.count())
}

func TestController_stale_retry_timer_after_new_open(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	h.engines.last().fail(ErrorTypeNetwork)
	require.Len(t, h.clock.pending(), 1)
	staleTimer := h.clock.pending()[0]

	h.ctrl.Open(StreamDescriptor{URL: "https://y/other.m3u8", DeliveryType: DeliveryAdaptive})
	assert.False(t, staleTimer.pending(), "open must stop the pending retry")

	before := h.ctrl.State()
	engines := h.engines.count()
	staleTimer.f()

	assert.Equal(t, before, h.ctrl.State())
	assert.Equal(t, engines, h.engines.count())
}

func TestController_destroyed_engine_cannot_retry_twice(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	eng := h.engines.last()

	eng.fail(ErrorTypeNetwork)
	eng.fail(ErrorTypeNetwork)

	assert.Equal(t, 1, h.ctrl.State().RetryCount)
	assert.Len(t, h.clock.pending(), 1)
}

func TestController_sink_events(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)

	h.sink.emit(SinkEvent{Type: SinkWaiting})
	assert.Equal(t, StatusConnecting, h.ctrl.Status().Status, "waiting only matters while playing")

	h.engines.last().manifestParsed()
	h.sink.emit(SinkEvent{Type: SinkWaiting})
	assert.Equal(t, StatusBuffering, h.ctrl.Status().Status)

	h.sink.emit(SinkEvent{Type: SinkPlaying})
	assert.Equal(t, StatusPlaying, h.ctrl.Status().Status)

	h.sink.emit(SinkEvent{Type: SinkError, Err: errors.New("decode")})
	assert.Equal(t, StatusPlaying, h.ctrl.Status().Status)
}

func TestController_retry_keeps_generation(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	gen := h.ctrl.State().Generation

	h.engines.last().fail(ErrorTypeOther)
	h.ctrl.Retry()

	assert.Equal(t, gen, h.ctrl.State().Generation)
	h.ctrl.Open(liveHLS)
	assert.Equal(t, gen+1, h.ctrl.State().Generation)
}

func TestController_retry_clears_pending_timer(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	h.engines.last().fail(ErrorTypeNetwork)
	timer := h.clock.pending()[0]

	h.ctrl.Retry()

	assert.False(t, timer.pending())
	assert.Equal(t, 0, h.ctrl.State().RetryCount)
	assert.Equal(t, StatusConnecting, h.ctrl.Status().Status)
	assert.Empty(t, h.ctrl.Status().Message)
	assert.Equal(t, 2, h.engines.count())
}

func TestController_retry_before_open_is_noop(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Retry()
	assert.Equal(t, 0, h.engines.count())
}

func TestController_Close_is_idempotent(t *testing.T) {
	h := newHarness(t)

	assert.NotPanics(t, func() {
		h.ctrl.Close()
		h.ctrl.Close()
	})
	assert.Equal(t, 0, h.sink.detaches)

	h.ctrl.Open(liveHLS)
	h.engines.last().fail(ErrorTypeNetwork)
	h.clock.fire()
	eng := h.engines.last()

	h.ctrl.Close()
	h.ctrl.Close()

	assert.True(t, eng.isDestroyed())
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 0, h.sink.listenerCount())
	assert.False(t, h.ctrl.RetryPending())
}

func TestController_events_after_close_are_discarded(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	eng := h.engines.last()
	h.ctrl.Close()

	before := h.ctrl.State()
	eng.manifestParsed()
	eng.fail(ErrorTypeNetwork)

	assert.Equal(t, before, h.ctrl.State())
	assert.Empty(t, h.clock.pending())
}

func TestController_native_fallback(t *testing.T) {
	h := newHarness(t)
	h.engines.unsupported = true
	h.sink.native = true

	h.ctrl.Open(liveHLS)
	assert.Equal(t, StrategyNative, h.ctrl.Strategy().Kind)
	assert.Equal(t, liveHLS.URL, h.sink.source)
	assert.Equal(t, 0, h.engines.count())
	assert.Equal(t, StatusConnecting, h.ctrl.Status().Status)

	h.sink.emit(SinkEvent{Type: SinkLoaded})
	assert.Equal(t, StatusPlaying, h.ctrl.Status().Status)

	h.sink.emit(SinkEvent{Type: SinkError, Err: errors.New("404")})
	st := h.ctrl.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, MessageNativeFailed, st.Message)
	assert.Equal(t, 0, st.RetryCount)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 0, h.sink.listenerCount())
}

func TestController_native_load_failure_never_retries(t *testing.T) {
	h := newHarness(t)
	h.engines.unsupported = true
	h.sink.native = true

	h.ctrl.Open(liveHLS)
	h.sink.emit(SinkEvent{Type: SinkError})

	st := h.ctrl.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 0, st.RetryCount)
	assert.False(t, h.ctrl.RetryPending())

	h.ctrl.Retry()
	assert.Equal(t, StatusConnecting, h.ctrl.Status().Status)
	assert.Equal(t, liveHLS.URL, h.sink.source)
}

func TestController_native_set_source_failure(t *testing.T) {
	h := newHarness(t)
	h.engines.unsupported = true
	h.sink.native = true
	h.sink.setSourceErr = errors.New("busy")

	h.ctrl.Open(liveHLS)

	assert.Equal(t, UIStatus{Status: StatusFailed, Message: MessageNativeFailed}, h.ctrl.Status())
	assert.Equal(t, 0, h.sink.listenerCount())
}

func TestController_unsupported_platform(t *testing.T) {
	h := newHarness(t)
	h.engines.unsupported = true

	h.ctrl.Open(liveHLS)

	assert.Equal(t, StrategyUnsupported, h.ctrl.Strategy().Kind)
	assert.Equal(t, UIStatus{Status: StatusFailed, Message: MessageUnsupported}, h.ctrl.Status())
	assert.False(t, h.ctrl.RetryPending())

	h.ctrl.Retry()
	assert.Equal(t, UIStatus{Status: StatusFailed, Message: MessageUnsupported}, h.ctrl.Status())
}

func TestController_unsupported_platform_logs_class(t *testing.T) {
	var buf bytes.Buffer
	engines := &fakeFactory{unsupported: true}
	ctrl := NewController(engines, newFakeSink(), Options{
		Clock:  &fakeClock{},
		Logger: slog.New(slog.NewJSONHandler(&buf, nil)),
	})

	ctrl.Open(liveHLS)

	assert.Equal(t, UIStatus{Status: StatusFailed, Message: MessageUnsupported}, ctrl.Status())
	assert.Contains(t, buf.String(), `"class":"unsupported-platform"`)
}

func TestController_Snapshot(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Open(liveHLS)
	h.engines.last().fail(ErrorTypeNetwork)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, liveHLS, snap.Descriptor)
	assert.Equal(t, StrategyEngine, snap.Strategy)
	assert.Equal(t, uint64(1), snap.State.Generation)
	assert.Equal(t, 1, snap.State.RetryCount)
	assert.Equal(t, StatusConnecting, snap.State.Status)
	assert.Empty(t, snap.EmbedURL)

	yt := StreamDescriptor{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", DeliveryType: DeliveryYouTube}
	h.ctrl.Open(yt)

	snap = h.ctrl.Snapshot()
	assert.Equal(t, yt, snap.Descriptor)
	assert.Equal(t, StrategyEmbed, snap.Strategy)
	assert.Equal(t, uint64(2), snap.State.Generation)
	assert.Equal(t, 0, snap.State.RetryCount)
	assert.Equal(t, h.ctrl.EmbedURL(), snap.EmbedURL)
}

func TestController_embed(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Open(StreamDescriptor{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", DeliveryType: DeliveryYouTube})
	assert.Equal(t, StatusPlaying, h.ctrl.Status().Status)
	assert.Equal(t, "https://www.youtube.com/embed/dQw4w9WgXcQ?autoplay=1", h.ctrl.EmbedURL())
	assert.Equal(t, 0, h.engines.count())

	h.ctrl.Open(StreamDescriptor{URL: "", DeliveryType: DeliveryIframe})
	assert.Equal(t, UIStatus{Status: StatusFailed, Message: MessageInvalidEmbed}, h.ctrl.Status())
	assert.Empty(t, h.ctrl.EmbedURL())
}

func TestController_observer_sees_every_transition(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Open(liveHLS)
	h.engines.last().manifestParsed()
	h.engines.last().fail(ErrorTypeOther)

	assert.Equal(t, []UIStatus{
		{Status: StatusPlaying},
		{Status: StatusFailed, Message: MessageFatal},
	}, h.observer.statuses)
}

func TestController_custom_policy(t *testing.T) {
	engines := &fakeFactory{}
	clock := &fakeClock{}
	ctrl := NewController(engines, newFakeSink(), Options{
		Policy: RetryPolicy{MaxRetries: 2, RetryDelay: 10 * time.Millisecond},
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctrl.Open(liveHLS)
	engines.last().fail(ErrorTypeNetwork)
	assert.Equal(t, "retrying (1/2)", ctrl.Status().Message)
	assert.Equal(t, 10*time.Millisecond, clock.pending()[0].delay)
	clock.fire()
	engines.last().fail(ErrorTypeNetwork)
	clock.fire()
	engines.last().fail(ErrorTypeNetwork)

	assert.Equal(t, UIStatus{Status: StatusFailed, Message: MessageUnreachable}, ctrl.Status())
	assert.Equal(t, 2, ctrl.State().RetryCount)
}

func TestController_real_clock_retry(t *testing.T) {
	engines := &fakeFactory{}
	ctrl := NewController(engines, newFakeSink(), Options{
		Policy: RetryPolicy{MaxRetries: 3, RetryDelay: 5 * time.Millisecond},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer ctrl.Close()

	ctrl.Open(liveHLS)
	engines.last().fail(ErrorTypeNetwork)

	require.Eventually(t, func() bool { return engines.count() == 2 }, time.Second, time.Millisecond)
	assert.False(t, ctrl.RetryPending())
}
