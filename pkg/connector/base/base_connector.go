// Package base provides the foundational BaseConnector that all edgeflow
// connectors embed. It implements the bookkeeping shared by every protocol
// implementation: the authoritative active subscription set, the connection
// status owned by the connector, and last-success/last-failure metadata used
// for operational visibility.
//
// All mutable state lives behind a single mutex. Status changes, subscription
// mutation and data activity recording go through BaseConnector so a
// notification delivered on a transport callback thread never races a
// subscribe/unsubscribe call issued by another caller.
//
// Usage:
//
//	type MyConnector struct {
//	    *base.BaseConnector
//	    // protocol-specific fields
//	}
//
//	func NewMyConnector(cfg *config.ConnectorConfig) *MyConnector {
//	    return &MyConnector{
//	        BaseConnector: base.NewBaseConnector(cfg),
//	    }
//	}
package base

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
	"github.com/edgeflow-io/edgeflow/pkg/logger"
	"github.com/edgeflow-io/edgeflow/pkg/metrics"
)

// BaseConnector provides the shared connector state machine bookkeeping.
type BaseConnector struct {
	cfg       *config.ConnectorConfig
	logger    *zap.Logger
	collector *metrics.Collector

	mu                 sync.Mutex
	status             core.ConnectionStatus
	lastError          string
	lastSuccess        time.Time
	lastFailure        time.Time
	lastFailureMessage string
	active             map[string]config.SubscriptionItem
}

// NewBaseConnector creates the shared bookkeeping for one connector instance.
// The configuration is owned exclusively by this instance from here on.
func NewBaseConnector(cfg *config.ConnectorConfig) *BaseConnector {
	return &BaseConnector{
		cfg:       cfg,
		logger:    logger.ForConnector(cfg.Name),
		collector: metrics.NewCollector(cfg.Name),
		status:    core.StatusDisconnected,
		active:    make(map[string]config.SubscriptionItem),
	}
}

// Name returns the connector name.
func (bc *BaseConnector) Name() string {
	return bc.cfg.Name
}

// Config returns the connector configuration.
func (bc *BaseConnector) Config() *config.ConnectorConfig {
	return bc.cfg
}

// Logger returns the connector logger.
func (bc *BaseConnector) Logger() *zap.Logger {
	return bc.logger
}

// Metrics returns the connector metrics collector.
func (bc *BaseConnector) Metrics() *metrics.Collector {
	return bc.collector
}

// Status returns the current connection status.
func (bc *BaseConnector) Status() core.ConnectionStatus {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.status
}

// SetStatus transitions the connector to the given status. Transitions are
// logged; StatusError additionally keeps the previously stored error message.
func (bc *BaseConnector) SetStatus(status core.ConnectionStatus) {
	bc.mu.Lock()
	prev := bc.status
	bc.status = status
	if status != core.StatusError {
		bc.lastError = ""
	}
	bc.mu.Unlock()

	if prev != status {
		bc.logger.Info("connection status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
	}
	bc.collector.SetStatus(string(status))
}

// SetError transitions the connector to StatusError with a stored message.
func (bc *BaseConnector) SetError(msg string) {
	bc.mu.Lock()
	prev := bc.status
	bc.status = core.StatusError
	bc.lastError = msg
	bc.mu.Unlock()

	if prev != core.StatusError {
		bc.logger.Info("connection status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(core.StatusError)),
			zap.String("error", msg))
	}
	bc.collector.SetStatus(string(core.StatusError))
}

// LastError returns the stored error message, if any.
func (bc *BaseConnector) LastError() string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.lastError
}

// RecordSuccess marks a successful unit of data activity. Concrete
// connectors call this after every delivered notification or completed read,
// independent of the connect/disconnect state machine.
func (bc *BaseConnector) RecordSuccess() {
	bc.mu.Lock()
	bc.lastSuccess = time.Now()
	bc.mu.Unlock()
}

// RecordFailure marks a failed unit of data activity with its message.
func (bc *BaseConnector) RecordFailure(msg string) {
	bc.mu.Lock()
	bc.lastFailure = time.Now()
	bc.lastFailureMessage = msg
	bc.mu.Unlock()
}

// Info returns an operational snapshot of the connector.
func (bc *BaseConnector) Info() core.Info {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return core.Info{
		Name:                bc.cfg.Name,
		Status:              bc.status,
		LastError:           bc.lastError,
		LastSuccess:         bc.lastSuccess,
		LastFailure:         bc.lastFailure,
		LastFailureMessage:  bc.lastFailureMessage,
		ActiveSubscriptions: len(bc.active),
	}
}

// AddSubscription adds an item to the active set. Duplicate IDs are an
// error; the prior subscription stays untouched so repeated Subscribe calls
// cannot leak duplicate monitored items.
func (bc *BaseConnector) AddSubscription(item config.SubscriptionItem) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if _, exists := bc.active[item.ID]; exists {
		return errors.Newf(errors.ErrorTypeSubscription, "subscription item %q already active", item.ID)
	}
	bc.active[item.ID] = item
	bc.collector.SetActiveSubscriptions(len(bc.active))
	return nil
}

// RemoveSubscription removes an item from the active set and returns it.
// Removing an unknown ID is a no-op.
func (bc *BaseConnector) RemoveSubscription(id string) (config.SubscriptionItem, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, exists := bc.active[id]
	if exists {
		delete(bc.active, id)
		bc.collector.SetActiveSubscriptions(len(bc.active))
	}
	return item, exists
}

// HasSubscription reports whether an item ID is in the active set.
func (bc *BaseConnector) HasSubscription(id string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	_, exists := bc.active[id]
	return exists
}

// Subscription returns the active item with the given ID.
func (bc *BaseConnector) Subscription(id string) (config.SubscriptionItem, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	item, exists := bc.active[id]
	return item, exists
}

// ActiveSubscriptions returns a snapshot of the active item set, ordered by
// ID for stable enumeration.
func (bc *BaseConnector) ActiveSubscriptions() []config.SubscriptionItem {
	bc.mu.Lock()
	items := make([]config.SubscriptionItem, 0, len(bc.active))
	for _, item := range bc.active {
		items = append(items, item)
	}
	bc.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// ClearSubscriptions empties the active set. Called on Disconnect: items do
// not survive a disconnect/connect cycle unless re-applied from the
// configuration's initial set.
func (bc *BaseConnector) ClearSubscriptions() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.active = make(map[string]config.SubscriptionItem)
	bc.collector.SetActiveSubscriptions(0)
}
