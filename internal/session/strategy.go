package session

// StrategyKind tags the way a session drives its sink.
type StrategyKind int

const (
	StrategyEngine StrategyKind = iota
	StrategyNative
	StrategyEmbed
	StrategyUnsupported
)

// String returns a human-readable representation of the strategy.
func (k StrategyKind) String() string {
	switch k {
	case StrategyEngine:
		return "engine"
	case StrategyNative:
		return "native"
	case StrategyEmbed:
		return "embed"
	case StrategyUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Strategy is selected once per Open. EmbedURL is set for StrategyEmbed
// when the descriptor resolves; EmbedErr holds the resolution failure.
type Strategy struct {
	Kind     StrategyKind
	EmbedURL string
	EmbedErr error
}

// SelectStrategy picks how to play d given the runtime's capabilities.
func SelectStrategy(d StreamDescriptor, engines EngineFactory, sink Sink, embedParent string) Strategy {
	if d.DeliveryType.IsEmbed() {
		u, err := ResolveEmbed(d, embedParent)
		return Strategy{Kind: StrategyEmbed, EmbedURL: u, EmbedErr: err}
	}
	if engines != nil && engines.Supported() {
		return Strategy{Kind: StrategyEngine}
	}
	if sink != nil && sink.CanPlayNatively(d.DeliveryType) {
		return Strategy{Kind: StrategyNative}
	}
	return Strategy{Kind: StrategyUnsupported}
}

// NativePlaybackFallback hands the stream URL straight to the sink and
// maps the sink's own events to statuses. It never retries.
type NativePlaybackFallback struct{}

// Attach assigns url to sink and reports playback outcomes through report.
// The returned cancel func removes the subscription. A synchronous
// assignment failure is returned as an error with no subscription left.
func (NativePlaybackFallback) Attach(url string, sink Sink, report func(Status, string)) (cancel func(), err error) {
	cancel = sink.Listen(func(ev SinkEvent) {
		switch ev.Type {
		case SinkLoaded, SinkPlaying:
			report(StatusPlaying, "")
		case SinkWaiting:
			report(StatusBuffering, "")
		case SinkError:
			report(StatusFailed, MessageNativeFailed)
		}
	})
	if err := sink.SetSource(url); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}
