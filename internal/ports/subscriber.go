package ports

import (
	"context"

	"github.com/bnema/datavault/internal/domain"
)

// Subscriber receives the signals addressed to one client context.
// Notify must not block; a full or closed outbound path is an error.
type Subscriber interface {
	Notify(signal domain.Signal) error
}

// SignalPublisher mirrors every delivered signal to an external bus.
type SignalPublisher interface {
	Publish(ctx context.Context, signal domain.Signal) error
}
