package session

import (
	"encoding/json"
	"fmt"
)

// Status is the four-valued playback status shown to viewers.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusPlaying    Status = "playing"
	StatusBuffering  Status = "buffering"
	StatusFailed     Status = "failed"
)

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// IsValid reports whether s is one of the four statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusConnecting, StatusPlaying, StatusBuffering, StatusFailed:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	st := Status(str)
	if !st.IsValid() {
		return fmt.Errorf("invalid playback status: %q", str)
	}
	*s = st
	return nil
}

// Messages attached to statuses.
const (
	MessageUnsupported    = "unsupported platform"
	MessageNativeFailed   = "native playback failed"
	MessageUnreachable    = "stream unreachable"
	MessageFatal          = "fatal playback error"
	MessageInvalidEmbed   = "invalid embed url"
	retryingMessageFormat = "retrying (%d/%d)"
)

// SessionState is the controller's internal record of one session.
// Only the controller mutates it; everyone else sees a copy or a UIStatus.
type SessionState struct {
	Status     Status
	Message    string
	RetryCount int
	Generation uint64
}

// UIStatus is what a viewer is allowed to depend on.
type UIStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Project maps internal session state to the viewer-facing status.
func Project(s SessionState) UIStatus {
	status := s.Status
	if !status.IsValid() {
		status = StatusConnecting
	}
	return UIStatus{Status: status, Message: s.Message}
}
