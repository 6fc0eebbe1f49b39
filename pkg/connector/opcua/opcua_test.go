package opcua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/connector/registry"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
)

// fakeSession implements Session in-memory so connector tests never dial.
type fakeSession struct {
	mu         sync.Mutex
	connectErr error
	subErr     error
	connected  bool
	closed     bool

	sub     *fakeSubscription
	notify  NotifyFunc
	stateCh chan SessionState

	browseRefs map[string][]NodeRef
	readValues map[string]*ua.DataValue
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		stateCh:    make(chan SessionState, 4),
		browseRefs: make(map[string][]NodeRef),
		readValues: make(map[string]*ua.DataValue),
	}
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

func (f *fakeSession) Browse(ctx context.Context, nodeID *ua.NodeID) ([]NodeRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs, ok := f.browseRefs[nodeID.String()]
	if !ok {
		return nil, errors.New(errors.ErrorTypeBrowse, "node not found")
	}
	return refs, nil
}

func (f *fakeSession) Read(ctx context.Context, nodeID *ua.NodeID) (*ua.DataValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dv, ok := f.readValues[nodeID.String()]
	if !ok {
		return nil, errors.New(errors.ErrorTypeRead, "node not found")
	}
	return dv, nil
}

func (f *fakeSession) CreateSubscription(ctx context.Context, interval time.Duration, notify NotifyFunc) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.notify = notify
	f.sub = &fakeSubscription{rejected: make(map[string]ua.StatusCode)}
	return f.sub, nil
}

func (f *fakeSession) StateChanges() <-chan SessionState {
	return f.stateCh
}

func (f *fakeSession) publish(values ...ItemValue) {
	f.mu.Lock()
	notify := f.notify
	f.mu.Unlock()
	notify(values)
}

// fakeSubscription records monitored item lifecycle calls.
type fakeSubscription struct {
	mu        sync.Mutex
	nextID    uint32
	monitored map[uint32]MonitorRequest
	removed   []uint32
	cancelled bool
	// rejected maps node id strings to the status returned for them.
	rejected map[string]ua.StatusCode
}

func (f *fakeSubscription) Monitor(ctx context.Context, reqs ...MonitorRequest) ([]MonitorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitored == nil {
		f.monitored = make(map[uint32]MonitorRequest)
	}
	results := make([]MonitorResult, 0, len(reqs))
	for _, r := range reqs {
		if status, ok := f.rejected[r.NodeID.String()]; ok {
			results = append(results, MonitorResult{ClientHandle: r.ClientHandle, Status: status})
			continue
		}
		f.nextID++
		f.monitored[f.nextID] = r
		results = append(results, MonitorResult{
			ClientHandle:    r.ClientHandle,
			MonitoredItemID: f.nextID,
			Status:          ua.StatusOK,
		})
	}
	return results, nil
}

func (f *fakeSubscription) Unmonitor(ctx context.Context, ids ...uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.monitored, id)
		f.removed = append(f.removed, id)
	}
	return nil
}

func (f *fakeSubscription) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeSubscription) monitoredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.monitored)
}

func testConfig(name string) *config.ConnectorConfig {
	cfg := config.NewConnectorConfig(name, Type)
	cfg.Endpoint.URL = "opc.tcp://127.0.0.1:4840"
	return cfg
}

func newTestConnector(t *testing.T, cfg *config.ConnectorConfig) (*Connector, *fakeSession, chan core.Batch) {
	t.Helper()
	sink := make(chan core.Batch, 16)
	c, err := New(cfg, sink)
	require.NoError(t, err)

	fake := newFakeSession()
	c.newSession = func(*config.ConnectorConfig) (Session, error) { return fake, nil }
	return c, fake, sink
}

func item(id, nodeID string) config.SubscriptionItem {
	return config.SubscriptionItem{
		ID:               id,
		NodeID:           nodeID,
		Name:             id,
		SamplingInterval: time.Second,
		QueueSize:        10,
		DiscardOldest:    true,
	}
}

func TestConnectorConnect(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("connect-happy"))

		require.Equal(t, core.StatusDisconnected, c.Status())
		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, core.StatusConnected, c.Status())
		assert.True(t, fake.connected)

		require.NoError(t, c.Disconnect(context.Background()))
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		c, _, _ := newTestConnector(t, testConfig("connect-twice"))
		var calls int
		fake := newFakeSession()
		c.newSession = func(*config.ConnectorConfig) (Session, error) {
			calls++
			return fake, nil
		}

		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, 1, calls)
		assert.Equal(t, core.StatusConnected, c.Status())

		require.NoError(t, c.Disconnect(context.Background()))
	})

	t.Run("failure lands in error state", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("connect-fail"))
		fake.connectErr = errors.New(errors.ErrorTypeConnection, "connection refused")

		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
		assert.Equal(t, core.StatusError, c.Status())
		assert.Contains(t, c.Info().LastError, "connection refused")
	})

	t.Run("subscription failure tears the session down", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("connect-sub-fail"))
		fake.subErr = errors.New(errors.ErrorTypeSubscription, "too many subscriptions")

		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, core.StatusError, c.Status())
		assert.True(t, fake.closed)
	})

	t.Run("initial items applied on connect", func(t *testing.T) {
		cfg := testConfig("connect-initial")
		cfg.Subscriptions = []config.SubscriptionItem{item("tag-1", "ns=2;s=A")}
		cfg.ApplyDefaults()
		c, fake, _ := newTestConnector(t, cfg)

		require.NoError(t, c.Connect(context.Background()))
		assert.Len(t, c.ActiveSubscriptions(), 1)
		assert.Equal(t, 1, fake.sub.monitoredCount())

		require.NoError(t, c.Disconnect(context.Background()))
	})
}

func TestConnectorSubscribe(t *testing.T) {
	t.Run("requires connected state", func(t *testing.T) {
		c, _, _ := newTestConnector(t, testConfig("sub-disconnected"))
		err := c.Subscribe(context.Background(), []config.SubscriptionItem{item("tag-1", "ns=2;s=A")})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	})

	t.Run("adds items and monitors them", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("sub-add"))
		require.NoError(t, c.Connect(context.Background()))

		err := c.Subscribe(context.Background(), []config.SubscriptionItem{
			item("tag-1", "ns=2;s=A"),
			item("tag-2", "ns=2;s=B"),
		})
		require.NoError(t, err)
		assert.Len(t, c.ActiveSubscriptions(), 2)
		assert.Equal(t, 2, fake.sub.monitoredCount())

		require.NoError(t, c.Disconnect(context.Background()))
	})

	t.Run("duplicate id absorbed, prior item untouched", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("sub-dup"))
		require.NoError(t, c.Connect(context.Background()))

		require.NoError(t, c.Subscribe(context.Background(), []config.SubscriptionItem{item("tag-1", "ns=2;s=A")}))
		require.NoError(t, c.Subscribe(context.Background(), []config.SubscriptionItem{
			item("tag-1", "ns=2;s=OTHER"),
			item("tag-2", "ns=2;s=B"),
		}))

		active := c.ActiveSubscriptions()
		require.Len(t, active, 2)
		assert.Equal(t, "ns=2;s=A", active[0].NodeID)
		assert.Equal(t, 2, fake.sub.monitoredCount())

		require.NoError(t, c.Disconnect(context.Background()))
	})

	t.Run("rejected node releases its reservation", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("sub-reject"))
		require.NoError(t, c.Connect(context.Background()))
		fake.sub.rejected["ns=2;s=MISSING"] = ua.StatusBadNodeIDUnknown

		err := c.Subscribe(context.Background(), []config.SubscriptionItem{
			item("tag-bad", "ns=2;s=MISSING"),
			item("tag-good", "ns=2;s=B"),
		})
		require.NoError(t, err)

		active := c.ActiveSubscriptions()
		require.Len(t, active, 1)
		assert.Equal(t, "tag-good", active[0].ID)
		assert.False(t, c.HasSubscription("tag-bad"))

		require.NoError(t, c.Disconnect(context.Background()))
	})

	t.Run("unparseable node id absorbed", func(t *testing.T) {
		c, _, _ := newTestConnector(t, testConfig("sub-badnode"))
		require.NoError(t, c.Connect(context.Background()))

		// A malformed ns= prefix cannot parse; a bare string would be
		// accepted as an ns=0 string node id.
		err := c.Subscribe(context.Background(), []config.SubscriptionItem{item("tag-1", "ns=abc;s=X")})
		require.NoError(t, err)
		assert.Empty(t, c.ActiveSubscriptions())

		require.NoError(t, c.Disconnect(context.Background()))
	})
}

func TestConnectorUnsubscribe(t *testing.T) {
	c, fake, sink := newTestConnector(t, testConfig("unsub"))
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), []config.SubscriptionItem{
		item("tag-1", "ns=2;s=A"),
		item("tag-2", "ns=2;s=B"),
	}))

	t.Run("removes matching and ignores unknown", func(t *testing.T) {
		require.NoError(t, c.Unsubscribe(context.Background(), []string{"tag-1", "no-such-tag"}))

		active := c.ActiveSubscriptions()
		require.Len(t, active, 1)
		assert.Equal(t, "tag-2", active[0].ID)
		assert.Equal(t, 1, fake.sub.monitoredCount())
		assert.Len(t, fake.sub.removed, 1)
	})

	t.Run("late notification for removed item is dropped", func(t *testing.T) {
		// tag-1's handle was 1; its values must no longer map.
		fake.publish(ItemValue{
			ClientHandle: 1,
			Value:        &ua.DataValue{Value: ua.MustVariant(int32(7)), Status: ua.StatusOK},
		})
		select {
		case b := <-sink:
			t.Fatalf("unexpected batch: %v", b)
		case <-time.After(50 * time.Millisecond):
		}
	})

	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectorNotification(t *testing.T) {
	c, fake, sink := newTestConnector(t, testConfig("notify"))
	require.NoError(t, c.Connect(context.Background()))

	it := item("tag-1", "ns=2;s=A")
	it.Unit = "rpm"
	require.NoError(t, c.Subscribe(context.Background(), []config.SubscriptionItem{it}))

	src := time.Now().Add(-100 * time.Millisecond)
	fake.publish(ItemValue{
		ClientHandle: 1,
		Value: &ua.DataValue{
			Value:           ua.MustVariant(float64(42.5)),
			Status:          ua.StatusOK,
			SourceTimestamp: src,
		},
	})

	select {
	case batch := <-sink:
		require.Len(t, batch, 1)
		dp := batch[0]
		assert.Equal(t, c.Config().ID, dp.SourceID)
		assert.Equal(t, "tag-1", dp.TagID)
		assert.Equal(t, float64(42.5), dp.Value)
		assert.Equal(t, core.DataTypeDouble, dp.DataType)
		assert.Equal(t, core.QualityGood, dp.Quality)
		assert.Equal(t, "rpm", dp.Unit)
		assert.False(t, dp.SourceTimestamp.After(dp.ReceivedTimestamp))
	case <-time.After(time.Second):
		t.Fatal("no batch delivered")
	}

	assert.False(t, c.Info().LastSuccess.IsZero())
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectorDisconnect(t *testing.T) {
	t.Run("idempotent from any state", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("disc"))
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Subscribe(context.Background(), []config.SubscriptionItem{item("tag-1", "ns=2;s=A")}))

		require.NoError(t, c.Disconnect(context.Background()))
		assert.Equal(t, core.StatusDisconnected, c.Status())
		assert.Empty(t, c.ActiveSubscriptions())
		assert.True(t, fake.closed)
		assert.True(t, fake.sub.cancelled)

		// Second disconnect, and one without ever connecting.
		require.NoError(t, c.Disconnect(context.Background()))
		assert.Equal(t, core.StatusDisconnected, c.Status())
	})

	t.Run("disconnect before connect", func(t *testing.T) {
		c, _, _ := newTestConnector(t, testConfig("disc-fresh"))
		require.NoError(t, c.Disconnect(context.Background()))
		assert.Equal(t, core.StatusDisconnected, c.Status())
	})
}

func TestConnectorReconnectReleasesPriorSession(t *testing.T) {
	cfg := testConfig("reconnect-release")
	sink := make(chan core.Batch, 16)
	c, err := New(cfg, sink)
	require.NoError(t, err)

	var sessions []*fakeSession
	c.newSession = func(*config.ConnectorConfig) (Session, error) {
		fake := newFakeSession()
		sessions = append(sessions, fake)
		return fake, nil
	}

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), []config.SubscriptionItem{item("tag-1", "ns=2;s=A")}))

	// Keep-alive failure without auto-reconnect is terminal.
	sessions[0].stateCh <- SessionInactive
	require.Eventually(t, func() bool {
		return c.Status() == core.StatusError
	}, time.Second, 10*time.Millisecond)

	// Dialing again must release the degraded session before installing
	// the new one; nothing may keep the old transport alive.
	require.NoError(t, c.Connect(context.Background()))
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].closed)
	assert.True(t, sessions[0].sub.cancelled)
	assert.Equal(t, core.StatusConnected, c.Status())

	// The stale item set does not survive the cycle.
	assert.Empty(t, c.ActiveSubscriptions())

	require.NoError(t, c.Disconnect(context.Background()))
	assert.True(t, sessions[1].closed)
}

func TestConnectorKeepAlive(t *testing.T) {
	t.Run("inactive session with auto-reconnect", func(t *testing.T) {
		cfg := testConfig("keepalive-auto")
		cfg.AutoReconnect = true
		c, fake, _ := newTestConnector(t, cfg)
		require.NoError(t, c.Connect(context.Background()))

		fake.stateCh <- SessionInactive
		require.Eventually(t, func() bool {
			return c.Status() == core.StatusReconnecting
		}, time.Second, 10*time.Millisecond)

		fake.stateCh <- SessionActive
		require.Eventually(t, func() bool {
			return c.Status() == core.StatusConnected
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, c.Disconnect(context.Background()))
	})

	t.Run("inactive session without auto-reconnect", func(t *testing.T) {
		c, fake, _ := newTestConnector(t, testConfig("keepalive-noauto"))
		require.NoError(t, c.Connect(context.Background()))

		fake.stateCh <- SessionInactive
		require.Eventually(t, func() bool {
			return c.Status() == core.StatusError
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, c.Disconnect(context.Background()))
	})
}

func TestConnectorBrowse(t *testing.T) {
	c, fake, _ := newTestConnector(t, testConfig("browse"))

	t.Run("requires connected state", func(t *testing.T) {
		_, err := c.BrowseRoot(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	})

	require.NoError(t, c.Connect(context.Background()))
	fake.browseRefs["i=85"] = []NodeRef{
		{
			NodeID:      ua.NewStringNodeID(2, "Line A"),
			BrowseName:  "LineA",
			DisplayName: "Line A",
			Class:       ua.NodeClassObject,
			IsFolder:    true,
			HasChildren: true,
		},
		{
			NodeID:      ua.NewStringNodeID(2, "Pump.Speed"),
			BrowseName:  "Speed",
			DisplayName: "Pump Speed",
			Class:       ua.NodeClassVariable,
			DataType:    ua.TypeIDDouble,
			AccessLevel: 0x01,
		},
		{
			NodeID:     ua.NewStringNodeID(2, "Reset"),
			BrowseName: "Reset",
			Class:      ua.NodeClassMethod,
		},
	}

	t.Run("root listing maps all classes", func(t *testing.T) {
		items, err := c.BrowseRoot(context.Background())
		require.NoError(t, err)
		require.Len(t, items, 3)

		assert.Equal(t, core.BrowseItemFolder, items[0].ItemType)
		assert.True(t, items[0].HasChildren)

		assert.Equal(t, core.BrowseItemVariable, items[1].ItemType)
		assert.Equal(t, core.DataTypeDouble, items[1].DataType)
		assert.True(t, items[1].IsReadable)
		assert.False(t, items[1].IsWritable)

		assert.Equal(t, core.BrowseItemMethod, items[2].ItemType)
	})

	t.Run("browse by node id", func(t *testing.T) {
		fake.browseRefs["ns=2;s=Line A"] = []NodeRef{{
			NodeID:     ua.NewStringNodeID(2, "Line A.Pump"),
			BrowseName: "Pump",
			Class:      ua.NodeClassObject,
		}}
		items, err := c.Browse(context.Background(), "ns=2;s=Line A")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, core.BrowseItemObject, items[0].ItemType)
	})

	t.Run("invalid node id", func(t *testing.T) {
		_, err := c.Browse(context.Background(), "ns=abc;s=X")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("browse error propagates", func(t *testing.T) {
		_, err := c.Browse(context.Background(), "ns=2;s=Nowhere")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeBrowse))
	})

	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectorReadValue(t *testing.T) {
	c, fake, _ := newTestConnector(t, testConfig("read"))
	require.NoError(t, c.Connect(context.Background()))

	src := time.Now().Add(-time.Second)
	fake.readValues["ns=2;s=Pump.Speed"] = &ua.DataValue{
		Value:           ua.MustVariant(float64(1480.5)),
		Status:          ua.StatusOK,
		SourceTimestamp: src,
	}

	t.Run("normalizes value", func(t *testing.T) {
		dp, err := c.ReadValue(context.Background(), "ns=2;s=Pump.Speed")
		require.NoError(t, err)
		assert.Equal(t, "ns=2;s=Pump.Speed", dp.TagID)
		assert.Equal(t, float64(1480.5), dp.Value)
		assert.Equal(t, core.DataTypeDouble, dp.DataType)
		assert.Equal(t, core.QualityGood, dp.Quality)
		assert.Equal(t, src, dp.SourceTimestamp)
	})

	t.Run("read error records failure", func(t *testing.T) {
		_, err := c.ReadValue(context.Background(), "ns=2;s=Nowhere")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeRead))
		assert.False(t, c.Info().LastFailure.IsZero())
	})

	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectorRegistered(t *testing.T) {
	assert.True(t, registry.Has(Type))

	cfg := testConfig("registry-create")
	sink := make(chan core.Batch, 1)
	c, err := registry.Create(cfg, sink)
	require.NoError(t, err)
	assert.Equal(t, "registry-create", c.Name())

	_, ok := core.AsBrowser(c)
	assert.True(t, ok)
}
