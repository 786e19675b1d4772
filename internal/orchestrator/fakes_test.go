package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"livewatch/internal/session"
)

type stubEngine struct {
	mu        sync.Mutex
	handlers  session.EngineHandlers
	url       string
	destroyed bool
}

func (e *stubEngine) Load(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.url = url
}

func (e *stubEngine) Attach(session.Sink) {}
func (e *stubEngine) RecoverMediaError()  {}

func (e *stubEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
}

func (e *stubEngine) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *stubEngine) manifestParsed() { e.handlers.ManifestParsed() }

func (e *stubEngine) networkError() {
	e.handlers.Error(session.EngineError{Type: session.ErrorTypeNetwork, Fatal: true, Details: "stub"})
}

type stubFactory struct {
	mu      sync.Mutex
	engines []*stubEngine
}

func (f *stubFactory) Supported() bool { return true }

func (f *stubFactory) New(h session.EngineHandlers) session.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &stubEngine{handlers: h}
	f.engines = append(f.engines, e)
	return e
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *stubFactory) last() *stubEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[len(f.engines)-1]
}

func (f *stubFactory) all() []*stubEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*stubEngine(nil), f.engines...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService returns a running service whose sessions are shut down
// when the test ends.
func newTestService(t *testing.T, store Store, cfg Config) *Service {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Sink.StallTimeout == 0 {
		cfg.Sink.StallTimeout = time.Minute
	}
	if cfg.Sink.Logger == nil {
		cfg.Sink.Logger = cfg.Logger
	}
	svc := NewService(NewInMemoryRepository(), store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		cancel()
		<-done
	})
	return svc
}
