package cache

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapFetcher serves a local disk image memory-mapped with
// unix.Mmap, for "file://"-prefixed drive URLs. The whole file is mapped
// once and every FetchBlock call on a non-empty file reports StatusOK
// with the full mapping as its body (an empty file reports
// StatusRangeNotSatisfiable) — a 200-equivalent "whole image" response, since
// the image is already resident and there is no partial-range cost to
// avoid. Cache.InstallResult's idempotent block-install policy means a
// second FetchBlock call is cheap: every block it touches is already
// present and gets skipped.
type MmapFetcher struct {
	mu   sync.Mutex
	file *os.File
	data []byte
}

// NewMmapFetcher opens and memory-maps the local file named by a
// "file://" URL (or a bare path).
func NewMmapFetcher(url string) (*MmapFetcher, error) {
	path := strings.TrimPrefix(url, "file://")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cache: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return &MmapFetcher{file: f}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cache: mmap %s: %w", path, err)
	}

	return &MmapFetcher{file: f, data: data}, nil
}

// FetchBlock ignores blockIndex: the entire mapping is already resident,
// so every call reports the same whole-image body, or
// StatusRangeNotSatisfiable when the file is empty.
func (f *MmapFetcher) FetchBlock(blockIndex int) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return FetchResult{Status: StatusRangeNotSatisfiable}, nil
	}
	return FetchResult{Status: StatusOK, Body: f.data}, nil
}

// Close unmaps the file and releases its descriptor.
func (f *MmapFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.data != nil {
		err = unix.Munmap(f.data)
		f.data = nil
	}
	if f.file != nil {
		if cerr := f.file.Close(); err == nil {
			err = cerr
		}
		f.file = nil
	}
	return err
}

var _ Fetcher = (*MmapFetcher)(nil)
var _ Fetcher = (*HTTPFetcher)(nil)
