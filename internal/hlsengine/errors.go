package hlsengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"livewatch/internal/session"
)

var (
	// ErrCorruptSegment is returned for segments that fail the container check.
	ErrCorruptSegment = errors.New("hlsengine: corrupt media segment")

	// ErrNoVariants is returned when a master playlist has no playable variant.
	ErrNoVariants = errors.New("hlsengine: no playable variant")

	// ErrSinkIncompatible is returned when the attached sink cannot take segments.
	ErrSinkIncompatible = errors.New("hlsengine: sink does not accept segments")

	// ErrSinkWrite wraps a sink's refusal of a segment.
	ErrSinkWrite = errors.New("hlsengine: sink write failed")
)

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hlsengine: GET %s: status %d", e.URL, e.StatusCode)
}

// errorType tags err for the session controller. Typed errors are checked
// first; anything else falls back to message heuristics.
func errorType(err error) session.ErrorType {
	var (
		statusErr *StatusError
		netErr    net.Error
	)
	switch {
	case err == nil:
		return session.ErrorTypeOther
	case errors.Is(err, ErrCorruptSegment):
		return session.ErrorTypeMedia
	case errors.Is(err, ErrNoVariants), errors.Is(err, ErrSinkIncompatible), errors.Is(err, ErrSinkWrite):
		return session.ErrorTypeOther
	case errors.As(err, &statusErr),
		errors.As(err, &netErr),
		errors.Is(err, ErrNotPlaylist),
		errors.Is(err, ErrInvalidPlaylist),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return session.ErrorTypeNetwork
	}
	return classifyMessage(err.Error())
}

// classifyMessage matches an error message against keyword lists.
func classifyMessage(msg string) session.ErrorType {
	msg = strings.ToLower(msg)
	if containsAny(msg, mediaKeywords) {
		return session.ErrorTypeMedia
	}
	if containsAny(msg, networkKeywords) {
		return session.ErrorTypeNetwork
	}
	return session.ErrorTypeOther
}

var networkKeywords = []string{
	"connection",
	"timeout",
	"unreachable",
	"network",
	"dns",
	"no such host",
	"resolve",
	"socket",
	"tcp",
	"eof",
	"tls",
	"could not connect",
	"failed to connect",
}

var mediaKeywords = []string{
	"codec",
	"decode",
	"demux",
	"sync byte",
	"corrupt",
	"malformed segment",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
