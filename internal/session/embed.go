package session

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const defaultEmbedParent = "localhost"

var (
	youtubeIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	twitchChannelPattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,25}$`)
)

// ResolveEmbed returns the player URL for an embedded delivery type.
// parent is the embedding host Twitch requires; empty means localhost.
func ResolveEmbed(d StreamDescriptor, parent string) (string, error) {
	switch d.DeliveryType {
	case DeliveryYouTube:
		id, err := youtubeVideoID(d.URL)
		if err != nil {
			return "", err
		}
		return "https://www.youtube.com/embed/" + id + "?autoplay=1", nil
	case DeliveryTwitch:
		channel, err := twitchChannel(d.URL)
		if err != nil {
			return "", err
		}
		if parent == "" {
			parent = defaultEmbedParent
		}
		return fmt.Sprintf("https://player.twitch.tv/?channel=%s&parent=%s",
			url.QueryEscape(channel), url.QueryEscape(parent)), nil
	case DeliveryIframe:
		u, err := parseHTTPURL(d.URL)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("%w: %q is not an embed type", ErrInvalidDeliveryType, d.DeliveryType)
	}
}

func youtubeVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if youtubeIDPattern.MatchString(raw) {
		return raw, nil
	}
	u, err := parseHTTPURL(raw)
	if err != nil {
		return "", err
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "youtube-nocookie.com":
		if u.Path == "/watch" {
			id = u.Query().Get("v")
			break
		}
		for _, prefix := range []string{"/embed/", "/live/", "/shorts/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id = strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
				break
			}
		}
	default:
		return "", fmt.Errorf("%w: %q is not a youtube host", ErrInvalidURL, u.Host)
	}

	if !youtubeIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: no youtube video id in %q", ErrInvalidURL, raw)
	}
	return id, nil
}

func twitchChannel(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if twitchChannelPattern.MatchString(raw) {
		return strings.ToLower(raw), nil
	}
	u, err := parseHTTPURL(raw)
	if err != nil {
		return "", err
	}

	var channel string
	switch strings.ToLower(u.Hostname()) {
	case "twitch.tv", "www.twitch.tv", "m.twitch.tv":
		channel = strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)[0]
	case "player.twitch.tv":
		channel = u.Query().Get("channel")
	default:
		return "", fmt.Errorf("%w: %q is not a twitch host", ErrInvalidURL, u.Host)
	}

	if !twitchChannelPattern.MatchString(channel) {
		return "", fmt.Errorf("%w: no twitch channel in %q", ErrInvalidURL, raw)
	}
	return strings.ToLower(channel), nil
}
