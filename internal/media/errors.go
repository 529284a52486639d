package media

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution is returned when a locator or manifest cannot be turned into segments.
	ErrResolution = errors.New("resolution error")

	// ErrFetch is returned when a segment could not be fetched.
	ErrFetch = errors.New("fetch error")

	// ErrDecode is returned when the decode capability rejects segment data.
	ErrDecode = errors.New("decode error")

	// ErrSyncDrift describes output drift beyond tolerance. It is corrected internally and never fatal.
	ErrSyncDrift = errors.New("sync drift")
)

// ResolutionError wraps err as ErrResolution.
func ResolutionError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrResolution) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrResolution, err)
}

// FetchError wraps err as ErrFetch for the segment with the given sequence index.
func FetchError(seq uint64, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: segment %d: %v", ErrFetch, seq, err)
}

// DecodeError wraps err as ErrDecode for the segment with the given sequence index.
func DecodeError(seq uint64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDecode) {
		return err
	}
	return fmt.Errorf("%w: segment %d: %v", ErrDecode, seq, err)
}
