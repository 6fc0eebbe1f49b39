// Package opcua implements the OPC UA reference connector. It maintains one
// client session per configured endpoint, carries one protocol-level
// subscription at the connector-wide publishing interval, and normalizes
// monitored item notifications into canonical data point batches.
package opcua

import (
	"context"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/connector/base"
	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/connector/registry"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
)

// Type is the registry discriminator for this connector.
const Type = "opcua"

func init() {
	registry.MustRegister(Type, func(cfg *config.ConnectorConfig, sink chan<- core.Batch) (core.Connector, error) {
		return New(cfg, sink)
	})
}

// sessionFactory builds the session for one connect attempt. Tests install a
// fake; production uses newUASession.
type sessionFactory func(cfg *config.ConnectorConfig) (Session, error)

// Connector is the OPC UA protocol connector.
type Connector struct {
	*base.BaseConnector

	sink       chan<- core.Batch
	retry      *base.RetryPolicy
	newSession sessionFactory

	mu      sync.Mutex
	session Session
	sub     Subscription
	// handles maps client handles to subscription item IDs and itemIDs
	// maps the reverse direction plus the server-side monitored item ID.
	handles    map[uint32]string
	itemIDs    map[string]uint32
	monitored  map[string]uint32
	nextHandle uint32

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates an OPC UA connector for the given configuration. The sink
// receives one batch per publish notification for the connector's lifetime.
func New(cfg *config.ConnectorConfig, sink chan<- core.Batch) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid connector configuration")
	}
	return &Connector{
		BaseConnector: base.NewBaseConnector(cfg),
		sink:          sink,
		retry:         base.NewRetryPolicy(cfg.Reliability.RetryAttempts, cfg.Reliability.RetryDelay),
		newSession:    newUASession,
		handles:       make(map[uint32]string),
		itemIDs:       make(map[string]uint32),
		monitored:     make(map[string]uint32),
	}, nil
}

// Connect establishes the session, creates the protocol subscription and
// applies the configuration's initial subscription set. It is a no-op when
// already connected. On failure the connector lands in StatusError with the
// message stored, and no half-open session is left behind.
func (c *Connector) Connect(ctx context.Context) error {
	if c.Status() == core.StatusConnected {
		c.Logger().Warn("connect called while already connected")
		return nil
	}

	// A re-connect from an error or reconnecting state still holds the
	// previous session; release it before dialing a new one.
	c.closeCurrent(ctx)
	c.ClearSubscriptions()

	c.SetStatus(core.StatusConnecting)

	sess, err := c.newSession(c.Config())
	if err != nil {
		c.SetError(err.Error())
		return err
	}

	start := time.Now()
	err = c.retry.Execute(ctx, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.Config().Timeouts.Connection)
		defer cancel()
		return sess.Connect(dialCtx)
	})
	c.Metrics().ObserveRequest("connect", time.Since(start))
	if err != nil {
		// A cancelled or failed dial must not leave a half-open session.
		c.teardown(sess, nil)
		c.SetError(err.Error())
		return errors.Wrap(err, errors.ErrorTypeConnection, "session establishment failed").
			WithDetail("endpoint", c.Config().Endpoint.URL)
	}

	sub, err := sess.CreateSubscription(ctx, c.Config().Subscription.PublishingInterval, c.handleNotification)
	if err != nil {
		c.teardown(sess, nil)
		c.SetError(err.Error())
		return err
	}

	c.mu.Lock()
	c.session = sess
	c.sub = sub
	c.mu.Unlock()

	c.startKeepAliveWatcher(sess)
	c.SetStatus(core.StatusConnected)
	c.Logger().Info("connected",
		zap.String("endpoint", c.Config().Endpoint.URL),
		zap.Duration("publishing_interval", c.Config().Subscription.PublishingInterval))

	// Initial items are applied best-effort; a bad configured node must
	// not take down an otherwise healthy session.
	if items := c.Config().Subscriptions; len(items) > 0 {
		if err := c.Subscribe(ctx, items); err != nil {
			c.Logger().Warn("failed to apply initial subscriptions", zap.Error(err))
		}
	}
	return nil
}

// Disconnect tears the session down and clears the active subscription set.
// It is idempotent and never returns an error; teardown failures are logged
// so shutdown cannot hang on a misbehaving transport.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.closeCurrent(ctx)
	c.ClearSubscriptions()
	c.SetStatus(core.StatusDisconnected)
	return nil
}

// closeCurrent releases the installed session, subscription and keep-alive
// watcher, if any. Failures are logged, never returned. Both Disconnect and
// a re-Connect after a degraded session go through here so no exit path
// leaves a transport object behind.
func (c *Connector) closeCurrent(ctx context.Context) {
	c.mu.Lock()
	sess, sub := c.session, c.sub
	c.session, c.sub = nil, nil
	c.handles = make(map[uint32]string)
	c.itemIDs = make(map[string]uint32)
	c.monitored = make(map[string]uint32)
	cancel, done := c.watchCancel, c.watchDone
	c.watchCancel, c.watchDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if sub != nil {
		if err := sub.Cancel(ctx); err != nil {
			c.Logger().Warn("subscription cancel failed during teardown", zap.Error(err))
		}
	}
	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			c.Logger().Warn("session close failed during teardown", zap.Error(err))
		}
	}
}

// teardown closes a partially established session outside the lifecycle
// bookkeeping. Used when Connect fails after the transport came up.
func (c *Connector) teardown(sess Session, sub Subscription) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sub != nil {
		if err := sub.Cancel(closeCtx); err != nil {
			c.Logger().Debug("subscription cancel failed during teardown", zap.Error(err))
		}
	}
	if err := sess.Close(closeCtx); err != nil {
		c.Logger().Debug("session close failed during teardown", zap.Error(err))
	}
}

// Subscribe registers items for monitored data delivery. Each item is
// reserved in the active set first and only then monitored on the wire; a
// per-item failure logs, releases the reservation and moves on so one bad
// node cannot abort the batch. Duplicate IDs keep the prior item untouched.
func (c *Connector) Subscribe(ctx context.Context, items []config.SubscriptionItem) error {
	if c.Status() != core.StatusConnected {
		return errors.New(errors.ErrorTypeConnection, "subscribe requires a connected session")
	}

	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return errors.New(errors.ErrorTypeSubscription, "no active subscription")
	}

	for _, item := range items {
		if err := c.subscribeOne(ctx, sub, item); err != nil {
			c.Logger().Warn("subscription item rejected",
				zap.String("item_id", item.ID),
				zap.String("node_id", item.NodeID),
				zap.Error(err))
		}
	}
	return nil
}

func (c *Connector) subscribeOne(ctx context.Context, sub Subscription, item config.SubscriptionItem) error {
	nodeID, err := ua.ParseNodeID(item.NodeID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid node id")
	}

	if err := c.AddSubscription(item); err != nil {
		return err
	}

	c.mu.Lock()
	c.nextHandle++
	handle := c.nextHandle
	c.handles[handle] = item.ID
	c.itemIDs[item.ID] = handle
	c.mu.Unlock()

	results, err := sub.Monitor(ctx, MonitorRequest{
		NodeID:           nodeID,
		ClientHandle:     handle,
		SamplingInterval: item.SamplingInterval,
		QueueSize:        item.QueueSize,
		DiscardOldest:    item.DiscardOldest,
	})
	if err == nil && (len(results) == 0 || results[0].Status != ua.StatusOK) {
		status := ua.StatusBad
		if len(results) > 0 {
			status = results[0].Status
		}
		err = errors.Newf(errors.ErrorTypeSubscription, "monitored item rejected: %s", status)
	}
	if err != nil {
		c.releaseItem(item.ID, handle)
		return err
	}

	c.mu.Lock()
	c.monitored[item.ID] = results[0].MonitoredItemID
	c.mu.Unlock()

	c.Logger().Info("subscription added",
		zap.String("item_id", item.ID),
		zap.String("node_id", item.NodeID),
		zap.Duration("sampling_interval", item.SamplingInterval))
	return nil
}

func (c *Connector) releaseItem(id string, handle uint32) {
	c.RemoveSubscription(id)
	c.mu.Lock()
	delete(c.handles, handle)
	delete(c.itemIDs, id)
	c.mu.Unlock()
}

// Unsubscribe removes items from the active set and cancels wire-level
// monitoring. Unknown IDs are ignored. Wire-level removal failures are
// absorbed: the item is already out of the active set and its values stop
// being mapped.
func (c *Connector) Unsubscribe(ctx context.Context, ids []string) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	var stale []uint32
	for _, id := range ids {
		if _, ok := c.RemoveSubscription(id); !ok {
			continue
		}
		c.mu.Lock()
		if handle, ok := c.itemIDs[id]; ok {
			delete(c.handles, handle)
			delete(c.itemIDs, id)
		}
		if monitoredID, ok := c.monitored[id]; ok {
			stale = append(stale, monitoredID)
			delete(c.monitored, id)
		}
		c.mu.Unlock()
		c.Logger().Info("subscription removed", zap.String("item_id", id))
	}

	if sub != nil && len(stale) > 0 {
		if err := sub.Unmonitor(ctx, stale...); err != nil {
			c.Logger().Warn("failed to remove monitored items", zap.Error(err))
		}
	}
	return nil
}

// handleNotification runs on the transport's notification goroutine. All
// values of one publish notification become a single batch so downstream
// ordering mirrors server-side delivery ordering.
func (c *Connector) handleNotification(values []ItemValue) {
	received := time.Now()

	c.mu.Lock()
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, c.handles[v.ClientHandle])
	}
	c.mu.Unlock()

	batch := make(core.Batch, 0, len(values))
	for i, v := range values {
		if ids[i] == "" {
			// Late value for a handle already unsubscribed.
			continue
		}
		item, ok := c.Subscription(ids[i])
		if !ok {
			continue
		}
		dp := toDataPoint(c.Config().ID, item, v.Value, received)
		batch = append(batch, dp)
		c.Metrics().RecordDataPoints(1, string(dp.Quality))
	}
	if len(batch) == 0 {
		return
	}

	select {
	case c.sink <- batch:
		c.Metrics().RecordBatch()
		c.RecordSuccess()
	default:
		c.RecordFailure("sink full, batch dropped")
		c.Logger().Warn("sink full, dropping batch", zap.Int("size", len(batch)))
	}
}

// startKeepAliveWatcher folds transport session state into the connector
// status. An inactive session moves the connector to StatusReconnecting when
// auto-reconnect is enabled, otherwise to StatusError; recovery restores
// StatusConnected.
func (c *Connector) startKeepAliveWatcher(sess Session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.watchCancel = cancel
	c.watchDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-sess.StateChanges():
				if !ok {
					return
				}
				switch state {
				case SessionInactive:
					c.Metrics().RecordKeepAliveFailure()
					if c.Config().AutoReconnect {
						c.Logger().Warn("keep-alive failed, transport reconnecting")
						c.SetStatus(core.StatusReconnecting)
					} else {
						c.Logger().Error("keep-alive failed")
						c.SetError("keep-alive failed")
					}
				case SessionActive:
					if c.Status() != core.StatusConnected {
						c.Logger().Info("session recovered")
						c.SetStatus(core.StatusConnected)
					}
				}
			}
		}
	}()
}
