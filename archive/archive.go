// Package archive defines the narrow interface to the external, opaque
// raw-archive storage collaborator. This package owns no container
// format decisions; it only guarantees that whatever a Writer is handed,
// a Reader returns back bit-for-bit.
package archive

import (
	"context"

	"github.com/mijahauan/timesnaprecorder/segment"
)

// Writer publishes finalized minute Segments. Implementations are
// responsible for the storage container format; this system treats them
// as opaque.
type Writer interface {
	WriteSegment(ctx context.Context, seg segment.Segment) error
}

// Reader is the read-back half used by property tests and any consumer
// that needs to address the archive by time. It is not otherwise
// exercised by the recording pipeline.
type Reader interface {
	ReadSegment(ctx context.Context, channelKey string, firstSampleRTP uint32) (segment.Segment, bool, error)
}
