package session

// ErrorType is the coarse tag an engine attaches to an error.
type ErrorType int

const (
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeMedia
	ErrorTypeOther
)

// String returns a human-readable representation of the error type.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeMedia:
		return "media"
	default:
		return "other"
	}
}

// EngineError is the payload of an engine error event.
type EngineError struct {
	Type    ErrorType
	Fatal   bool
	Details string
	Err     error
}

// Error implements error.
func (e EngineError) Error() string {
	msg := e.Type.String() + " error"
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e EngineError) Unwrap() error {
	return e.Err
}

// ErrorClass is the controller's failure taxonomy.
type ErrorClass int

const (
	// ClassNetworkTransient is retried with backoff, up to the policy limit.
	ClassNetworkTransient ErrorClass = iota
	// ClassMediaRecoverable is handled in place by the engine.
	ClassMediaRecoverable
	// ClassFatalOther is terminal until a manual retry.
	ClassFatalOther
	// ClassUnsupportedPlatform has no playback path at all.
	ClassUnsupportedPlatform
)

// String returns a human-readable representation of the error class.
func (c ErrorClass) String() string {
	switch c {
	case ClassNetworkTransient:
		return "network-transient"
	case ClassMediaRecoverable:
		return "media-corrupt-recoverable"
	case ClassFatalOther:
		return "fatal-other"
	case ClassUnsupportedPlatform:
		return "unsupported-platform"
	default:
		return "unknown"
	}
}

// Retryable reports whether the class participates in automatic retry.
func (c ErrorClass) Retryable() bool {
	return c == ClassNetworkTransient
}

// Classify maps a fatal engine error onto the taxonomy.
func Classify(e EngineError) ErrorClass {
	switch e.Type {
	case ErrorTypeNetwork:
		return ClassNetworkTransient
	case ErrorTypeMedia:
		return ClassMediaRecoverable
	default:
		return ClassFatalOther
	}
}
