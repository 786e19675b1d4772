package session

import (
	"fmt"
	"log/slog"
	"sync"
)

// Options configures a Controller. Zero values select defaults.
type Options struct {
	Policy      RetryPolicy
	Clock       Clock
	Logger      *slog.Logger
	Observer    Observer
	EmbedParent string
}

// token tags every callback with the instance it was registered for.
// gen changes on Open; seq changes whenever the attached instance is
// released, so callbacks from a destroyed engine never match again.
type token struct {
	gen uint64
	seq uint64
}

// Controller keeps one sink showing one live stream. It is the only writer
// of its SessionState. All methods are safe for concurrent use; callbacks
// from engines, sinks and timers are serialized with them under one lock
// and dropped when their token is stale.
type Controller struct {
	engines     EngineFactory
	sink        Sink
	policy      RetryPolicy
	clock       Clock
	log         *slog.Logger
	observer    Observer
	embedParent string

	mu       sync.Mutex
	state    SessionState
	desc     StreamDescriptor
	strategy Strategy
	open     bool
	attempt  uint64
	attached bool
	engine   Engine
	unlisten func()
	timer    Timer
	timerSeq uint64
}

// NewController returns a controller driving sink. engines may be nil when
// no adaptive engine exists on this runtime.
func NewController(engines EngineFactory, sink Sink, opts Options) *Controller {
	c := &Controller{
		engines:     engines,
		sink:        sink,
		policy:      opts.Policy.withDefaults(),
		clock:       opts.Clock,
		log:         opts.Logger,
		observer:    opts.Observer,
		embedParent: opts.EmbedParent,
		state:       SessionState{Status: StatusConnecting},
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	return c
}

// Open tears down any previous session and starts playing desc.
func (c *Controller) Open(desc StreamDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	c.state.Generation++
	c.state.RetryCount = 0
	c.desc = desc
	c.open = true
	c.strategy = SelectStrategy(desc, c.engines, c.sink, c.embedParent)

	c.log.Info("playback session opened",
		slog.String("url", desc.URL),
		slog.String("delivery_type", desc.DeliveryType.String()),
		slog.String("strategy", c.strategy.Kind.String()),
		slog.Uint64("generation", c.state.Generation))

	c.setStatusLocked(StatusConnecting, "")
	c.attemptConnectLocked()
}

// Retry restarts a session from zero retries under the current generation.
// It is a no-op when no session is open.
func (c *Controller) Retry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return
	}
	c.stopTimerLocked()
	c.state.RetryCount = 0
	c.log.Info("manual retry", slog.Uint64("generation", c.state.Generation))
	c.setStatusLocked(StatusConnecting, "")
	c.attemptConnectLocked()
}

// Close releases the engine, the pending timer and the sink. It is
// idempotent and safe to call on a controller that was never opened.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return
	}
	c.teardownLocked()
	c.open = false
	c.log.Info("playback session closed", slog.Uint64("generation", c.state.Generation))
}

// Status returns the projected viewer status.
func (c *Controller) Status() UIStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Project(c.state)
}

// State returns a copy of the internal session state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Descriptor returns the descriptor of the current session.
func (c *Controller) Descriptor() StreamDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Strategy returns the playback strategy selected by the last Open.
func (c *Controller) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// EmbedURL returns the resolved player URL for embedded streams.
func (c *Controller) EmbedURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.embedURLLocked()
}

// Snapshot is a consistent view of a controller at one instant.
type Snapshot struct {
	State      SessionState
	Descriptor StreamDescriptor
	Strategy   StrategyKind
	EmbedURL   string
}

// Snapshot returns the state, descriptor and strategy read under one lock.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:      c.state,
		Descriptor: c.desc,
		Strategy:   c.strategy.Kind,
		EmbedURL:   c.embedURLLocked(),
	}
}

func (c *Controller) embedURLLocked() string {
	if !c.open || c.strategy.Kind != StrategyEmbed {
		return ""
	}
	return c.strategy.EmbedURL
}

// RetryPending reports whether an automatic retry is scheduled.
func (c *Controller) RetryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Controller) teardownLocked() {
	if !c.open {
		return
	}
	c.stopTimerLocked()
	c.releaseAttemptLocked()
}

// attemptConnectLocked drives the sink with the session's strategy.
func (c *Controller) attemptConnectLocked() {
	c.releaseAttemptLocked()
	tok := token{gen: c.state.Generation, seq: c.attempt}

	switch c.strategy.Kind {
	case StrategyUnsupported:
		c.log.Error("no playback path",
			slog.String("class", ClassUnsupportedPlatform.String()),
			slog.String("delivery_type", c.desc.DeliveryType.String()))
		c.failLocked(MessageUnsupported)

	case StrategyEmbed:
		if c.strategy.EmbedErr != nil {
			c.log.Warn("embed url rejected", slog.String("error", c.strategy.EmbedErr.Error()))
			c.failLocked(MessageInvalidEmbed)
			return
		}
		c.setStatusLocked(StatusPlaying, "")

	case StrategyNative:
		cancel, err := NativePlaybackFallback{}.Attach(c.desc.URL, c.sink, func(s Status, msg string) {
			c.onNativeStatus(tok, s, msg)
		})
		c.attached = true
		if err != nil {
			c.log.Error("native source rejected", slog.String("error", err.Error()))
			c.releaseAttemptLocked()
			c.failLocked(MessageNativeFailed)
			return
		}
		c.unlisten = cancel

	default:
		eng := c.engines.New(EngineHandlers{
			ManifestParsed: func() { c.onManifestParsed(tok) },
			Error:          func(e EngineError) { c.onEngineError(tok, e) },
		})
		c.engine = eng
		c.attached = true
		c.unlisten = c.sink.Listen(func(ev SinkEvent) { c.onSinkEvent(tok, ev) })
		eng.Load(c.desc.URL)
		eng.Attach(c.sink)
	}
}

// releaseAttemptLocked destroys the engine, drops sink subscriptions and
// detaches the sink. Callbacks registered before it are stale afterwards.
func (c *Controller) releaseAttemptLocked() {
	c.attempt++
	if c.unlisten != nil {
		c.unlisten()
		c.unlisten = nil
	}
	if c.engine != nil {
		c.engine.Destroy()
		c.engine = nil
	}
	if c.attached {
		c.sink.Detach()
		c.attached = false
	}
}

func (c *Controller) current(tok token) bool {
	return c.open && tok.gen == c.state.Generation && tok.seq == c.attempt
}

func (c *Controller) onManifestParsed(tok token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(tok) {
		return
	}
	c.state.RetryCount = 0
	c.setStatusLocked(StatusPlaying, "")
	if err := c.sink.Play(); err != nil {
		c.log.Debug("play request rejected", slog.String("error", err.Error()))
	}
}

func (c *Controller) onEngineError(tok token, e EngineError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(tok) {
		return
	}
	if !e.Fatal {
		c.log.Debug("non-fatal engine error", slog.String("error", e.Error()))
		return
	}

	switch class := Classify(e); class {
	case ClassNetworkTransient:
		c.handleNetworkErrorLocked(tok, e)
	case ClassMediaRecoverable:
		c.log.Warn("recovering media error", slog.String("error", e.Error()))
		c.engine.RecoverMediaError()
		c.observer.MediaErrorRecovered()
	default:
		c.log.Error("fatal playback error",
			slog.String("class", class.String()),
			slog.String("error", e.Error()))
		c.releaseAttemptLocked()
		c.failLocked(MessageFatal)
	}
}

func (c *Controller) handleNetworkErrorLocked(tok token, e EngineError) {
	if c.state.RetryCount >= c.policy.MaxRetries {
		c.log.Error("retries exhausted",
			slog.Int("max_retries", c.policy.MaxRetries),
			slog.String("error", e.Error()))
		c.releaseAttemptLocked()
		c.failLocked(MessageUnreachable)
		return
	}

	c.state.RetryCount++
	c.log.Warn("network error, retrying",
		slog.Int("attempt", c.state.RetryCount),
		slog.Int("max_retries", c.policy.MaxRetries),
		slog.Duration("delay", c.policy.RetryDelay),
		slog.String("error", e.Error()))
	c.setStatusLocked(StatusConnecting,
		fmt.Sprintf(retryingMessageFormat, c.state.RetryCount, c.policy.MaxRetries))
	c.releaseAttemptLocked()
	c.scheduleRetryLocked(tok.gen)
	c.observer.RetryScheduled(c.state.RetryCount, c.policy.MaxRetries)
}

func (c *Controller) onSinkEvent(tok token, ev SinkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(tok) {
		return
	}
	switch ev.Type {
	case SinkWaiting:
		if c.state.Status == StatusPlaying {
			c.setStatusLocked(StatusBuffering, "")
		}
	case SinkPlaying:
		c.setStatusLocked(StatusPlaying, "")
	case SinkError:
		if ev.Err != nil {
			c.log.Debug("sink error ignored on engine path", slog.String("error", ev.Err.Error()))
		}
	}
}

func (c *Controller) onNativeStatus(tok token, s Status, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(tok) {
		return
	}
	switch s {
	case StatusBuffering:
		if c.state.Status == StatusPlaying {
			c.setStatusLocked(StatusBuffering, "")
		}
	case StatusFailed:
		c.releaseAttemptLocked()
		c.failLocked(msg)
	default:
		c.setStatusLocked(s, msg)
	}
}

func (c *Controller) scheduleRetryLocked(gen uint64) {
	c.stopTimerLocked()
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.policy.RetryDelay, func() { c.onRetryTimer(gen, seq) })
}

func (c *Controller) onRetryTimer(gen, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || gen != c.state.Generation || seq != c.timerSeq || c.timer == nil {
		return
	}
	c.timer = nil
	c.log.Info("reconnecting",
		slog.Int("attempt", c.state.RetryCount),
		slog.Uint64("generation", gen))
	c.attemptConnectLocked()
}

// stopTimerLocked cancels the pending retry and invalidates a timer
// callback that already fired but is waiting for the lock.
func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Controller) setStatusLocked(s Status, msg string) {
	if c.state.Status == s && c.state.Message == msg {
		return
	}
	c.state.Status = s
	c.state.Message = msg
	c.log.Debug("status changed",
		slog.String("status", s.String()),
		slog.String("message", msg),
		slog.Int("retry_count", c.state.RetryCount))
	c.observer.StatusChanged(Project(c.state))
}

func (c *Controller) failLocked(msg string) {
	c.setStatusLocked(StatusFailed, msg)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(UIStatus)  {}
func (nopObserver) RetryScheduled(int, int) {}
func (nopObserver) MediaErrorRecovered()    {}
