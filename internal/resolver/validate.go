package resolver

import (
	"context"
	"errors"
	"fmt"

	"playback-engine/internal/media"
)

var errEmptyLocator = errors.New("empty locator")

// Validate wraps seq so that indices must strictly increase. A duplicate or
// decreasing index fails with media.ErrResolution. Forward jumps are passed
// through with Gap set.
func Validate(seq Sequence) Sequence {
	if v, ok := seq.(*validated); ok {
		return v
	}
	return &validated{inner: seq}
}

type validated struct {
	inner   Sequence
	last    uint64
	started bool
	err     error
}

func (v *validated) Next(ctx context.Context) (media.Segment, error) {
	if v.err != nil {
		return media.Segment{}, v.err
	}
	seg, err := v.inner.Next(ctx)
	if err != nil {
		return media.Segment{}, err
	}
	if v.started {
		switch {
		case seg.Sequence == v.last:
			v.err = media.ResolutionError(fmt.Errorf("duplicate segment index %d", seg.Sequence))
			return media.Segment{}, v.err
		case seg.Sequence < v.last:
			v.err = media.ResolutionError(fmt.Errorf("segment index %d after %d", seg.Sequence, v.last))
			return media.Segment{}, v.err
		case seg.Sequence > v.last+1:
			seg.Gap = true
		}
	}
	v.started = true
	v.last = seg.Sequence
	return seg, nil
}

func (v *validated) Close() error { return v.inner.Close() }
