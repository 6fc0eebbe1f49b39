package core

import (
	"context"

	"github.com/edgeflow-io/edgeflow/pkg/config"
)

// Connector is the contract every protocol connector implements. A connector
// manages one session to one configured endpoint; all methods accept a
// context and suspend on network round-trips.
//
// Lifecycle: Disconnected -Connect-> Connecting -> Connected. A failed
// Connect leaves the connector in StatusError with the message stored, and
// the error is returned to the caller. Connect on an already-connected
// instance is a warning-logged no-op. Disconnect is idempotent, drives the
// connector to Disconnected from any state and never returns an error;
// teardown failures are logged and swallowed so shutdown cannot hang on a
// misbehaving transport.
type Connector interface {
	Name() string
	Status() ConnectionStatus
	// Info returns an operational snapshot for monitoring.
	Info() Info

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Subscribe adds items to the active set and applies protocol-level
	// monitoring. It requires StatusConnected. A bad item (unknown node,
	// duplicate ID) is absorbed per item so it does not abort the batch.
	Subscribe(ctx context.Context, items []config.SubscriptionItem) error
	// Unsubscribe removes matching items and cancels protocol-level
	// monitoring. Unknown IDs are ignored, not errors.
	Unsubscribe(ctx context.Context, ids []string) error
	// ActiveSubscriptions returns a snapshot of the active item set.
	ActiveSubscriptions() []config.SubscriptionItem
}

// Browser is the optional address-space browsing capability. Connectors that
// cannot browse simply do not implement it; callers must test for it with
// AsBrowser rather than assume its presence.
type Browser interface {
	// BrowseRoot enumerates the children of the protocol's root node.
	BrowseRoot(ctx context.Context) ([]BrowseItem, error)
	// Browse enumerates the children one level below the given node.
	Browse(ctx context.Context, nodeID string) ([]BrowseItem, error)
	// ReadValue reads a single value and normalizes it to a DataPoint.
	ReadValue(ctx context.Context, nodeID string) (*DataPoint, error)
}

// AsBrowser reports whether the connector supports browsing.
func AsBrowser(c Connector) (Browser, bool) {
	b, ok := c.(Browser)
	return b, ok
}
