// Package media holds the data model shared by the playback engine components.
package media

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// StreamKind identifies the elementary stream a frame belongs to.
type StreamKind int

const (
	Audio StreamKind = iota
	Video
)

// Kinds lists every stream kind in delivery order.
var Kinds = []StreamKind{Audio, Video}

func (k StreamKind) String() string {
	switch k {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Protocol is a hint about how a locator should be resolved.
type Protocol string

const (
	ProtocolAuto Protocol = ""
	ProtocolFile Protocol = "file"
	ProtocolHTTP Protocol = "http"
	ProtocolHLS  Protocol = "hls"
)

// Locator is an opaque content URI plus a protocol hint.
// It is immutable once bound to a player.
type Locator struct {
	uri      string
	protocol Protocol
}

// ParseLocator validates raw and returns a Locator. Plain filesystem paths are accepted.
func ParseLocator(raw string, hint Protocol) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, fmt.Errorf("empty locator")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Locator{}, fmt.Errorf("parse locator: %w", err)
	}
	switch u.Scheme {
	case "", "file", "http", "https":
	default:
		return Locator{}, fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return Locator{}, fmt.Errorf("locator %q has no host", raw)
	}
	switch hint {
	case ProtocolAuto, ProtocolFile, ProtocolHTTP, ProtocolHLS:
	default:
		return Locator{}, fmt.Errorf("unknown protocol hint %q", hint)
	}
	return Locator{uri: raw, protocol: hint}, nil
}

// URI returns the raw locator.
func (l Locator) URI() string { return l.uri }

// Protocol returns the protocol hint the locator was bound with.
func (l Locator) Protocol() Protocol { return l.protocol }

// IsZero reports whether the locator was never parsed.
func (l Locator) IsZero() bool { return l.uri == "" }

// IsManifest reports whether the locator points at an HLS manifest, either by hint or by extension.
func (l Locator) IsManifest() bool {
	if l.protocol == ProtocolHLS {
		return true
	}
	if l.protocol != ProtocolAuto {
		return false
	}
	p := l.uri
	if u, err := url.Parse(l.uri); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".m3u8")
}

func (l Locator) String() string { return l.uri }

// Segment describes one independently fetchable chunk of a stream.
type Segment struct {
	Sequence uint64
	URI      string

	// Duration is the expected duration; zero when unknown (usually live).
	Duration time.Duration

	// ByteOffset and ByteLength restrict the fetch to a byte range. ByteLength 0 means the whole resource.
	ByteOffset int64
	ByteLength int64

	Discontinuity bool

	// Gap is set when indices were skipped before this segment.
	Gap bool
}

// Frame is a timestamped access unit produced by the decode stage.
// The payload belongs to the queue holding the frame until it is consumed.
type Frame struct {
	Kind     StreamKind
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Payload  []byte

	// Epoch increments at every discontinuity. The sync clock rebases on the first frame of a new epoch.
	Epoch uint32

	// Segment is the sequence index the frame was decoded from.
	Segment uint64

	// Duplicate marks a repeated video frame issued by drift correction.
	Duplicate bool
}

// Size returns the number of payload bytes accounted against the buffer.
func (f Frame) Size() int64 { return int64(len(f.Payload)) }
