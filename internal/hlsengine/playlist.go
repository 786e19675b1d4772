package hlsengine

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotPlaylist is returned when a manifest body is not an m3u8 playlist.
	ErrNotPlaylist = errors.New("hlsengine: not an m3u8 playlist")

	// ErrInvalidPlaylist wraps tag values that cannot be parsed.
	ErrInvalidPlaylist = errors.New("hlsengine: invalid playlist")
)

// Segment is one media segment of a live playlist.
type Segment struct {
	Sequence int64
	Duration float64
	URI      string
}

// Length returns the segment duration as a time.Duration.
func (s Segment) Length() time.Duration {
	return time.Duration(s.Duration * float64(time.Second))
}

// Variant is one rendition listed by a master playlist.
type Variant struct {
	URI       string
	Bandwidth int64
}

// Playlist is a parsed master or media playlist.
type Playlist struct {
	Variants       []Variant
	TargetDuration time.Duration
	MediaSequence  int64
	Segments       []Segment
	Ended          bool
}

// IsMaster reports whether the playlist lists variants instead of segments.
func (p *Playlist) IsMaster() bool {
	return len(p.Variants) > 0
}

// BestVariant returns the variant with the highest bandwidth.
func (p *Playlist) BestVariant() (Variant, bool) {
	if len(p.Variants) == 0 {
		return Variant{}, false
	}
	best := p.Variants[0]
	for _, v := range p.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, true
}

// ParsePlaylist parses an m3u8 document. Relative URIs are resolved
// against base, which may be nil.
func ParsePlaylist(base *url.URL, text string) (*Playlist, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pl := &Playlist{}
	var (
		sawHeader     bool
		pendingInf    bool
		nextDuration  float64
		pendingStream bool
		nextBandwidth int64
		segmentIndex  int64
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, ErrNotPlaylist
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: target duration %q", ErrInvalidPlaylist, line)
			}
			pl.TargetDuration = time.Duration(secs * float64(time.Second))

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			seq, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: media sequence %q", ErrInvalidPlaylist, line)
			}
			pl.MediaSequence = seq

		case strings.HasPrefix(line, "#EXTINF:"):
			durPart := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.Index(durPart, ","); idx != -1 {
				durPart = durPart[:idx]
			}
			secs, err := strconv.ParseFloat(durPart, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: EXTINF duration %q", ErrInvalidPlaylist, durPart)
			}
			nextDuration = secs
			pendingInf = true

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			nextBandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
			pendingStream = true

		case line == "#EXT-X-ENDLIST":
			pl.Ended = true

		case strings.HasPrefix(line, "#"):
			// Unhandled tag or comment.

		default:
			uri := resolveURI(base, line)
			switch {
			case pendingStream:
				pl.Variants = append(pl.Variants, Variant{URI: uri, Bandwidth: nextBandwidth})
				pendingStream = false
			case pendingInf:
				pl.Segments = append(pl.Segments, Segment{
					Sequence: pl.MediaSequence + segmentIndex,
					Duration: nextDuration,
					URI:      uri,
				})
				segmentIndex++
				pendingInf = false
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, ErrNotPlaylist
	}
	return pl, nil
}

// parseAttributes splits an attribute list, honoring quoted values.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	var parts []string
	inQuote := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])

	for _, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		attrs[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return attrs
}

func resolveURI(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// BuildLivePlaylist renders segments (ordered by sequence ascending) as an
// HLS live playlist. If ended is true, #EXT-X-ENDLIST is appended.
// An empty segments slice produces a minimal valid playlist with media sequence 0.
func BuildLivePlaylist(segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n\n", segments[0].Sequence)

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// targetDuration returns the ceiling of the longest segment in seconds.
func targetDuration(segments []Segment) int {
	longest := 0.0
	for _, seg := range segments {
		if seg.Duration > longest {
			longest = seg.Duration
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
