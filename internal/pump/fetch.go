package pump

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"playback-engine/internal/media"
)

// Fetcher loads the bytes of one segment.
type Fetcher interface {
	Fetch(ctx context.Context, seg media.Segment) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, seg media.Segment) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, seg media.Segment) ([]byte, error) {
	return f(ctx, seg)
}

// NewFetcher returns a fetcher that serves http(s) URIs with client and
// everything else from the local filesystem.
func NewFetcher(client *http.Client) Fetcher {
	return &schemeFetcher{
		http: &HTTPFetcher{Client: client},
		file: FileFetcher{},
	}
}

type schemeFetcher struct {
	http Fetcher
	file Fetcher
}

func (f *schemeFetcher) Fetch(ctx context.Context, seg media.Segment) ([]byte, error) {
	if strings.HasPrefix(seg.URI, "http://") || strings.HasPrefix(seg.URI, "https://") {
		return f.http.Fetch(ctx, seg)
	}
	return f.file.Fetch(ctx, seg)
}

// HTTPFetcher fetches segments over HTTP, honouring byte-range hints.
type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, seg media.Segment) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URI, nil)
	if err != nil {
		return nil, err
	}
	if seg.ByteLength > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.ByteOffset, seg.ByteOffset+seg.ByteLength-1))
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		if seg.ByteLength > 0 {
			// server ignored the range
			if _, err := io.CopyN(io.Discard, res.Body, seg.ByteOffset); err != nil {
				return nil, err
			}
			return readExactly(res.Body, seg.ByteLength)
		}
		return io.ReadAll(res.Body)
	case http.StatusPartialContent:
		return io.ReadAll(res.Body)
	default:
		return nil, fmt.Errorf("bad status code: %d", res.StatusCode)
	}
}

// FileFetcher reads segments from the local filesystem.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, seg media.Segment) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := seg.URI
	if strings.HasPrefix(path, "file:") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, err
		}
		path = u.Path
	}

	if seg.ByteLength == 0 {
		return os.ReadFile(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readExactly(io.NewSectionReader(f, seg.ByteOffset, seg.ByteLength), seg.ByteLength)
}

func readExactly(r io.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("short byte range: %w", err)
	}
	return buf, nil
}
