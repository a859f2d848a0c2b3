package sdrsource

import (
	"context"

	"github.com/norasector/turbine-common/types"
)

// Sink consumes the segments produced by a Receiver.
type Sink interface {
	// Start receives a context and should run in a loop, terminating upon ctx closing or on any errors.
	Start(ctx context.Context) error
	// Receive returns the channel segments are offered on. A full channel
	// makes the receiver skip the sink for that segment, unless the source
	// is finite, in which case the receiver waits. Sinks that forward data
	// should drain this channel when ctx closes.
	Receive() chan<- *types.SegmentComplex64
}
