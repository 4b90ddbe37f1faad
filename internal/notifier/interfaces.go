package notifier

import (
	"context"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/pkg/proto"
)

// Dispatcher is the coordinator as seen by the surface transport
type Dispatcher interface {
	// Dispatch runs msg on the coordinator; sink receives the surface's events
	Dispatch(ctx context.Context, msg *proto.Message, sink domain.Sink) (*proto.Response, error)

	// CloseSurface queues a surface-close without waiting
	CloseSurface(surface proto.SurfaceID)
}
