package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DeliveryType tags how a live stream reaches the viewer.
type DeliveryType string

const (
	// DeliveryAdaptive is an HLS manifest played through the adaptive engine.
	DeliveryAdaptive DeliveryType = "adaptive"
	// DeliveryYouTube is a stream embedded from YouTube's player.
	DeliveryYouTube DeliveryType = "youtube"
	// DeliveryTwitch is a stream embedded from Twitch's player.
	DeliveryTwitch DeliveryType = "twitch"
	// DeliveryIframe is an arbitrary third-party player page.
	DeliveryIframe DeliveryType = "iframe"
)

var (
	// ErrInvalidDeliveryType is returned for unknown delivery type tags.
	ErrInvalidDeliveryType = errors.New("invalid delivery type")

	// ErrInvalidURL is returned when a descriptor URL cannot be played
	// by its delivery type.
	ErrInvalidURL = errors.New("invalid stream url")
)

// ParseDeliveryType parses a delivery type tag. "hls" is accepted as an
// alias of adaptive.
func ParseDeliveryType(s string) (DeliveryType, error) {
	t := DeliveryType(strings.ToLower(strings.TrimSpace(s)))
	if t == "hls" {
		return DeliveryAdaptive, nil
	}
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeliveryType, s)
	}
	return t, nil
}

// String implements fmt.Stringer.
func (t DeliveryType) String() string {
	return string(t)
}

// IsValid reports whether t is a known delivery type.
func (t DeliveryType) IsValid() bool {
	switch t {
	case DeliveryAdaptive, DeliveryYouTube, DeliveryTwitch, DeliveryIframe:
		return true
	default:
		return false
	}
}

// IsEmbed reports whether playback is delegated to a third-party player.
func (t DeliveryType) IsEmbed() bool {
	switch t {
	case DeliveryYouTube, DeliveryTwitch, DeliveryIframe:
		return true
	default:
		return false
	}
}

// StreamDescriptor identifies one live stream. It is immutable for the
// lifetime of a session; a different value always starts a new session.
type StreamDescriptor struct {
	URL          string       `json:"url"`
	DeliveryType DeliveryType `json:"delivery_type"`
}

// Validate checks that the descriptor can be played by its delivery type.
func (d StreamDescriptor) Validate() error {
	if !d.DeliveryType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidDeliveryType, d.DeliveryType)
	}
	if d.DeliveryType.IsEmbed() {
		_, err := ResolveEmbed(d, "")
		return err
	}
	_, err := parseHTTPURL(d.URL)
	return err
}

func parseHTTPURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}
