package session

import (
	"sync"
	"time"
)

type fakeEngine struct {
	mu        sync.Mutex
	handlers  EngineHandlers
	loaded    string
	attached  Sink
	destroyed bool
	recovered int
}

func (e *fakeEngine) Load(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = url
}

func (e *fakeEngine) Attach(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = s
}

func (e *fakeEngine) RecoverMediaError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recovered++
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
}

func (e *fakeEngine) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *fakeEngine) manifestParsed() { e.handlers.ManifestParsed() }

func (e *fakeEngine) fail(t ErrorType) {
	e.handlers.Error(EngineError{Type: t, Fatal: true, Details: "simulated"})
}

type fakeFactory struct {
	mu          sync.Mutex
	unsupported bool
	engines     []*fakeEngine
}

func (f *fakeFactory) Supported() bool { return !f.unsupported }

func (f *fakeFactory) New(h EngineHandlers) Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{handlers: h}
	f.engines = append(f.engines, e)
	return e
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

type fakeSink struct {
	mu           sync.Mutex
	listeners    map[int]func(SinkEvent)
	nextID       int
	native       bool
	source       string
	setSourceErr error
	playErr      error
	plays        int
	detaches     int
}

func newFakeSink() *fakeSink {
	return &fakeSink{listeners: make(map[int]func(SinkEvent))}
}

func (s *fakeSink) Listen(fn func(SinkEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *fakeSink) SetSource(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setSourceErr != nil {
		return s.setSourceErr
	}
	s.source = url
	return nil
}

func (s *fakeSink) CanPlayNatively(t DeliveryType) bool {
	return s.native && t == DeliveryAdaptive
}

func (s *fakeSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return s.playErr
}

func (s *fakeSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detaches++
	s.source = ""
}

func (s *fakeSink) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// emit delivers ev to every listener outside the sink lock, as a real
// sink's dispatcher goroutine would.
func (s *fakeSink) emit(ev SinkEvent) {
	s.mu.Lock()
	fns := make([]func(SinkEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTimer) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if t.pending() {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the first pending timer and reports whether one existed.
func (c *fakeClock) fire() bool {
	p := c.pending()
	if len(p) == 0 {
		return false
	}
	t := p[0]
	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()
	t.f()
	return true
}

type recordingObserver struct {
	mu         sync.Mutex
	statuses   []UIStatus
	retries    []int
	recoveries int
}

func (o *recordingObserver) StatusChanged(s UIStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *recordingObserver) RetryScheduled(attempt, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, attempt)
}

func (o *recordingObserver) MediaErrorRecovered() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveries++
}
