package opcua

import (
	"context"
	"time"

	"github.com/gopcua/opcua/ua"
)

// SessionState reflects transport-level session health as observed by the
// keep-alive mechanism.
type SessionState int

const (
	// SessionActive means keep-alives are passing.
	SessionActive SessionState = iota
	// SessionInactive means a keep-alive failed; the transport may be
	// reconnecting on its own.
	SessionInactive
)

// ItemValue couples a monitored item's client handle with one queued value
// drained from a publish notification.
type ItemValue struct {
	ClientHandle uint32
	Value        *ua.DataValue
}

// NotifyFunc receives all values drained from one publish notification in a
// single call. It runs on the transport's notification goroutine.
type NotifyFunc func(values []ItemValue)

// NodeRef is one reference returned by a protocol-level browse, carrying the
// native attributes the connector maps to a canonical BrowseItem.
type NodeRef struct {
	NodeID      *ua.NodeID
	BrowseName  string
	DisplayName string
	Description string
	Class       ua.NodeClass
	// DataType is the built-in type of a variable node, TypeIDNull when
	// unknown or not a variable.
	DataType ua.TypeID
	// AccessLevel carries the CurrentRead/CurrentWrite bits for variables.
	AccessLevel byte
	// IsFolder is set when the type definition is the standard FolderType.
	IsFolder bool
	// IsDevice is set when the type definition comes from a device
	// companion specification.
	IsDevice    bool
	HasChildren bool
}

// MonitorRequest describes one monitored item to attach to the connector's
// subscription with its own sampling interval and queue policy.
type MonitorRequest struct {
	NodeID           *ua.NodeID
	ClientHandle     uint32
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
}

// MonitorResult is the per-item outcome of a Monitor call.
type MonitorResult struct {
	ClientHandle    uint32
	MonitoredItemID uint32
	Status          ua.StatusCode
}

// Session is an authenticated, stateful connection to one server, owned
// exclusively by one connector instance. The production implementation wraps
// the gopcua client; tests substitute a fake.
type Session interface {
	// Connect establishes the transport and session. Cancellation must
	// not leave a half-open session behind.
	Connect(ctx context.Context) error
	// Close tears down the session. Safe to call after a failed Connect.
	Close(ctx context.Context) error
	// Browse enumerates the hierarchical references one level below the
	// given node.
	Browse(ctx context.Context, nodeID *ua.NodeID) ([]NodeRef, error)
	// Read reads the value attribute of one node.
	Read(ctx context.Context, nodeID *ua.NodeID) (*ua.DataValue, error)
	// CreateSubscription creates the single protocol-level subscription
	// carrying the connector-wide publishing interval.
	CreateSubscription(ctx context.Context, publishingInterval time.Duration, notify NotifyFunc) (Subscription, error)
	// StateChanges delivers keep-alive driven session state transitions.
	StateChanges() <-chan SessionState
}

// Subscription is the protocol-level subscription monitored items attach to.
type Subscription interface {
	Monitor(ctx context.Context, reqs ...MonitorRequest) ([]MonitorResult, error)
	Unmonitor(ctx context.Context, monitoredItemIDs ...uint32) error
	Cancel(ctx context.Context) error
}
