package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/behrlich/pdp11io/internal/constants"
)

// HTTPFetcher fetches image blocks with byte-range GETs against an
// *http.Client, reproducing the 200/206/416 response handling verbatim.
type HTTPFetcher struct {
	Client *http.Client
	URL    string
	Ctx    context.Context
}

// NewHTTPFetcher creates an HTTPFetcher for the given image URL, using
// client if non-nil or http.DefaultClient otherwise.
func NewHTTPFetcher(url string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, URL: url}
}

// FetchBlock issues one byte-range GET for the closed interval
// [blockIndex*BlockSize, (blockIndex+1)*BlockSize-1].
func (f *HTTPFetcher) FetchBlock(blockIndex int) (FetchResult, error) {
	ctx := f.Ctx
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), constants.FetchTimeout)
		defer cancel()
	}

	start := int64(blockIndex) * BlockSize
	end := start + BlockSize - 1

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := f.Client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{Status: StatusOK, Body: body}, nil
	case http.StatusPartialContent:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{Status: StatusPartial, Body: body}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return FetchResult{Status: StatusRangeNotSatisfiable}, nil
	default:
		return FetchResult{}, fmt.Errorf("cache: unexpected status %d fetching %s", resp.StatusCode, f.URL)
	}
}
