package pump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/asticode/go-astits"

	"playback-engine/internal/media"
)

// Decoder turns the bytes of one segment into timestamped frames. Frames of
// each kind are returned in decode order.
type Decoder interface {
	Decode(ctx context.Context, seg media.Segment, data []byte) ([]media.Frame, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, seg media.Segment, data []byte) ([]media.Frame, error)

func (f DecoderFunc) Decode(ctx context.Context, seg media.Segment, data []byte) ([]media.Frame, error) {
	return f(ctx, seg, data)
}

const (
	tsMaximum           = 0x1FFFFFFFF // 33 bits
	tsNegativeThreshold = tsMaximum / 2
	tsClockRate         = 90000
)

// timestampUnwrapper turns 33-bit 90kHz timestamps into a monotonic timeline
// anchored on the first timestamp seen.
type timestampUnwrapper struct {
	started bool
	prev    int64
	overall int64
}

func (u *timestampUnwrapper) reset() { u.started = false }

func (u *timestampUnwrapper) decode(ts int64) time.Duration {
	if !u.started {
		u.started = true
		u.prev = ts
		u.overall = ts
	} else {
		diff := (ts - u.prev) & tsMaximum
		if diff > tsNegativeThreshold {
			diff = (u.prev - ts) & tsMaximum
			u.overall -= diff
		} else {
			u.overall += diff
		}
		u.prev = ts
	}

	// split the division to avoid overflowing int64
	secs := time.Duration(u.overall / tsClockRate)
	dec := time.Duration(u.overall % tsClockRate)
	return secs*time.Second + dec*time.Second/tsClockRate
}

// TSDecoder demuxes MPEG-TS segments and emits one frame per PES packet of
// the audio and video elementary streams. It is not safe for concurrent use.
type TSDecoder struct {
	timestamps timestampUnwrapper
}

// NewTSDecoder returns a decoder whose timeline carries over between
// segments until a discontinuity.
func NewTSDecoder() *TSDecoder {
	return &TSDecoder{}
}

func (d *TSDecoder) Decode(ctx context.Context, seg media.Segment, data []byte) ([]media.Frame, error) {
	if seg.Discontinuity || seg.Gap {
		d.timestamps.reset()
	}

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data))
	var frames []media.Frame

	for {
		dd, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			if strings.HasPrefix(err.Error(), "astits: parsing PES data failed") {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		if dd.PES == nil || dd.PES.Header == nil {
			continue
		}

		kind, ok := streamKind(dd.PES.Header.StreamID)
		if !ok {
			continue
		}

		oh := dd.PES.Header.OptionalHeader
		if oh == nil || oh.PTS == nil ||
			oh.PTSDTSIndicator == astits.PTSDTSIndicatorNoPTSOrDTS ||
			oh.PTSDTSIndicator == astits.PTSDTSIndicatorIsForbidden {
			return nil, fmt.Errorf("%s PES on PID %d has no PTS", kind, dd.PID)
		}

		pts := d.timestamps.decode(oh.PTS.Base)
		dts := pts
		if oh.PTSDTSIndicator == astits.PTSDTSIndicatorBothPresent && oh.DTS != nil {
			diff := time.Duration((oh.PTS.Base-oh.DTS.Base)&tsMaximum) * time.Second / tsClockRate
			dts = pts - diff
		}

		frames = append(frames, media.Frame{
			Kind:    kind,
			PTS:     pts,
			DTS:     dts,
			Payload: dd.PES.Data,
		})
	}

	return presentationOrder(frames, seg.Duration), nil
}

func streamKind(id uint8) (media.StreamKind, bool) {
	switch {
	case id >= 0xE0 && id <= 0xEF:
		return media.Video, true
	case id >= 0xC0 && id <= 0xDF:
		return media.Audio, true
	default:
		return 0, false
	}
}

// presentationOrder sorts the frames of each kind by PTS and fills in
// durations from the distance to the next frame. The last frame of a kind
// reuses the previous distance, or the segment duration when it is alone.
func presentationOrder(frames []media.Frame, segDuration time.Duration) []media.Frame {
	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].Kind != frames[j].Kind {
			return frames[i].Kind < frames[j].Kind
		}
		return frames[i].PTS < frames[j].PTS
	})

	for i := range frames {
		switch {
		case i+1 < len(frames) && frames[i+1].Kind == frames[i].Kind:
			frames[i].Duration = frames[i+1].PTS - frames[i].PTS
		case i > 0 && frames[i-1].Kind == frames[i].Kind:
			frames[i].Duration = frames[i-1].Duration
		default:
			frames[i].Duration = segDuration
		}
	}
	return frames
}
