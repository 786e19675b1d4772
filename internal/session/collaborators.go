package session

import "time"

// EngineHandlers receives engine lifecycle events. An engine invokes them
// from its own goroutine, never from inside one of its methods.
type EngineHandlers struct {
	ManifestParsed func()
	Error          func(EngineError)
}

// Engine is one adaptive-streaming engine instance. Every method must
// return without waiting on the engine's goroutines: Destroy cancels,
// it does not drain.
type Engine interface {
	Load(url string)
	Attach(sink Sink)
	RecoverMediaError()
	Destroy()
}

// EngineFactory creates engine instances and answers whether the runtime
// can run the engine at all.
type EngineFactory interface {
	Supported() bool
	New(h EngineHandlers) Engine
}

// SinkEventType identifies a playback event raised by a Sink.
type SinkEventType int

const (
	SinkWaiting SinkEventType = iota
	SinkPlaying
	SinkLoaded
	SinkError
)

// String returns a human-readable representation of the event type.
func (t SinkEventType) String() string {
	switch t {
	case SinkWaiting:
		return "waiting"
	case SinkPlaying:
		return "playing"
	case SinkLoaded:
		return "loaded"
	case SinkError:
		return "error"
	default:
		return "unknown"
	}
}

// SinkEvent is delivered to sink listeners.
type SinkEvent struct {
	Type SinkEventType
	Err  error
}

// Sink is the surface a session renders into. Listeners run on the sink's
// own goroutine, in emission order, and never from inside a Sink method.
type Sink interface {
	// Listen registers fn and returns a func that removes it.
	Listen(fn func(SinkEvent)) (cancel func())
	// SetSource assigns a URL for the sink to play by itself.
	SetSource(url string) error
	// CanPlayNatively reports whether SetSource can play t.
	CanPlayNatively(t DeliveryType) bool
	// Play requests rendering to start. It may be rejected.
	Play() error
	// Detach drops the current source and any attached engine output.
	Detach()
}

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Observer is notified of controller transitions. It is called with the
// controller's lock held and must not call back into the controller.
type Observer interface {
	StatusChanged(s UIStatus)
	RetryScheduled(attempt, max int)
	MediaErrorRecovered()
}
