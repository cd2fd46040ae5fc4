package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/istio-ecosystem/syncmesh/pkg/document"
)

func TestNoopPublisherNeverErrors(t *testing.T) {
	var p Publisher = Noop{}
	require.NoError(t, p.PublishDelta(context.Background(), "doc1", document.StoredDelta{}))
	require.NoError(t, p.PublishAwareness(context.Background(), "doc1", "c1", nil))
}
