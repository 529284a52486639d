package resolver

import (
	"fmt"
	"math"
	"strings"

	"playback-engine/internal/media"
)

// BuildPlaylist renders segments (ordered by sequence ascending) as an HLS
// media playlist. If ended is true, #EXT-X-ENDLIST is appended.
// An empty segments slice produces a minimal valid playlist with media sequence 0.
func BuildPlaylist(segments []media.Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:4\n")

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

	for i, seg := range segments {
		if i > 0 && (seg.Discontinuity || seg.Gap) {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration.Seconds())
		if seg.ByteLength > 0 {
			fmt.Fprintf(&b, "#EXT-X-BYTERANGE:%d@%d\n", seg.ByteLength, seg.ByteOffset)
		}
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration returns the ceiling of the longest segment in whole seconds.
func targetDuration(segments []media.Segment) int {
	longest := 0.0
	for _, seg := range segments {
		if s := seg.Duration.Seconds(); s > longest {
			longest = s
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
