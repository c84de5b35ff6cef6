package archive

import (
	"context"
	"strconv"
	"sync"

	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/mijahauan/timesnaprecorder/segment"
)

// MemoryWriter is an in-process Writer+Reader. Tests use it to exercise
// the write/read round trip without depending on the real, external
// archive storage format, and the run command uses it as its archive
// writer; segments it holds are not written to disk.
type MemoryWriter struct {
	mu   sync.Mutex
	segs map[string]segment.Segment
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{segs: make(map[string]segment.Segment)}
}

func key(channelKey string, firstSampleRTP uint32) string {
	return channelKey + ":" + strconv.FormatUint(uint64(firstSampleRTP), 10)
}

func (m *MemoryWriter) WriteSegment(ctx context.Context, seg segment.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Defensive copy: the archive must own its own memory, independent
	// of whatever buffer the segmenter reuses afterward.
	cp := seg
	cp.Samples = make([]rtppkt.Complex, len(seg.Samples))
	copy(cp.Samples, seg.Samples)
	cp.Gaps = append([]segment.GapRecord(nil), seg.Gaps...)

	m.segs[key(seg.Channel.Key(), seg.FirstSampleRTP)] = cp
	return nil
}

func (m *MemoryWriter) ReadSegment(ctx context.Context, channelKey string, firstSampleRTP uint32) (segment.Segment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segs[key(channelKey, firstSampleRTP)]
	if !ok {
		return segment.Segment{}, false, nil
	}
	cp := seg
	cp.Samples = make([]rtppkt.Complex, len(seg.Samples))
	copy(cp.Samples, seg.Samples)
	cp.Gaps = append([]segment.GapRecord(nil), seg.Gaps...)
	return cp, true, nil
}
