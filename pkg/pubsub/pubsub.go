// Package pubsub declares the cross-instance fan-out seam spec.md §4.6
// reserves for multi-instance deployments. A single-instance deployment
// uses Noop: the orchestrator fans out directly via the local registry.
// Grounded on the interface shape of istio's own XDSUpdater push-notification seam (pilot/pkg/model), generalized from
// "push config to connected proxies" to "publish a delta to other
// instances' connected clients".
package pubsub

import (
	"context"

	"github.com/istio-ecosystem/syncmesh/pkg/document"
)

// Publisher announces a locally-applied delta to other server instances.
// No implementation ships in this repository; a production multi-instance
// deployment backs this with a broker (Redis, NATS, Kafka) and translates
// Publish/Subscribe into that broker's pub/sub primitives.
type Publisher interface {
	PublishDelta(ctx context.Context, documentID string, delta document.StoredDelta) error
	PublishAwareness(ctx context.Context, documentID, clientID string, state []byte) error
}

// Subscriber delivers deltas and awareness updates originated by other
// server instances into this instance's local fan-out path.
type Subscriber interface {
	Subscribe(ctx context.Context, onDelta func(documentID string, delta document.StoredDelta), onAwareness func(documentID, clientID string, state []byte)) error
	Close() error
}

// Noop is a Publisher that drops every publish, used by single-instance
// deployments so the orchestrator's publish calls stay unconditional.
type Noop struct{}

func (Noop) PublishDelta(context.Context, string, document.StoredDelta) error { return nil }
func (Noop) PublishAwareness(context.Context, string, string, []byte) error   { return nil }
