package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentSuffix = ".wal"

// segmentInfo describes one on-disk log segment. The file name encodes the
// sequence number of the first record the segment may hold, so readers can
// skip whole segments and checkpointing can prune by name alone.
type segmentInfo struct {
	firstSeq uint64
	path     string
}

func segmentName(dir string, firstSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x%s", firstSeq, segmentSuffix))
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	base := strings.TrimSuffix(name, segmentSuffix)
	if len(base) != 16 {
		return 0, false
	}
	seq, err := strconv.ParseUint(base, 16, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// listSegments returns the segments in dir sorted by first sequence number.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	var segs []segmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		firstSeq, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		segs = append(segs, segmentInfo{
			firstSeq: firstSeq,
			path:     filepath.Join(dir, e.Name()),
		})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].firstSeq < segs[j].firstSeq })
	return segs, nil
}
