package opcua

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"sync"
	"time"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
	"github.com/edgeflow-io/edgeflow/pkg/logger"
)

// maxReferencesPerBrowse caps how many references one Browse call returns.
const maxReferencesPerBrowse = 1000

// uaSession is the production Session backed by the gopcua client. One
// uaSession maps to exactly one client connection.
type uaSession struct {
	cfg    *config.ConnectorConfig
	logger *zap.Logger

	client *gopcua.Client

	stateCh chan SessionState

	mu       sync.Mutex
	watching bool
	stopCh   chan struct{}
}

// newUASession builds an unconnected session from connector configuration.
// This is the default session factory installed by New.
func newUASession(cfg *config.ConnectorConfig) (Session, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := gopcua.NewClient(cfg.Endpoint.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create client").
			WithDetail("endpoint", cfg.Endpoint.URL)
	}

	return &uaSession{
		cfg:     cfg,
		logger:  logger.ForConnector(cfg.Name),
		client:  client,
		stateCh: make(chan SessionState, 4),
		stopCh:  make(chan struct{}),
	}, nil
}

// clientOptions maps connector configuration onto client options. Security
// settings resolve against the server's advertised endpoints only when a
// non-trivial policy is requested.
func clientOptions(cfg *config.ConnectorConfig) ([]gopcua.Option, error) {
	opts := []gopcua.Option{
		gopcua.SessionName(cfg.Name),
		gopcua.SessionTimeout(cfg.Timeouts.Session),
		gopcua.RequestTimeout(cfg.Timeouts.Request),
		gopcua.DialTimeout(cfg.Timeouts.Connection),
		gopcua.AutoReconnect(cfg.AutoReconnect),
	}

	switch cfg.Security.AuthMode {
	case config.AuthModeUsername:
		opts = append(opts, gopcua.AuthUsername(cfg.Security.Username, cfg.Security.Password))
	default:
		opts = append(opts, gopcua.AuthAnonymous())
	}

	if cfg.Security.Policy == config.SecurityPolicyNone {
		opts = append(opts,
			gopcua.SecurityPolicy(ua.SecurityPolicyURINone),
			gopcua.SecurityModeString("None"),
		)
		return opts, nil
	}

	if cfg.Security.CertificatePath == "" || cfg.Security.KeyPath == "" {
		return nil, errors.New(errors.ErrorTypeConfig,
			"certificate and key are required for signed or encrypted channels")
	}
	cert, err := tls.LoadX509KeyPair(cfg.Security.CertificatePath, cfg.Security.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load client certificate")
	}
	pk, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "client key must be RSA")
	}
	opts = append(opts,
		gopcua.SecurityPolicy(ua.SecurityPolicyURIPrefix+cfg.Security.Policy),
		gopcua.SecurityModeString(cfg.Security.Mode),
		gopcua.Certificate(cert.Certificate[0]),
		gopcua.PrivateKey(pk),
	)
	return opts, nil
}

func (s *uaSession) Connect(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect").
			WithDetail("endpoint", s.cfg.Endpoint.URL)
	}
	s.startStateWatcher()
	return nil
}

func (s *uaSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.watching {
		close(s.stopCh)
		s.watching = false
	}
	s.mu.Unlock()
	return s.client.Close(ctx)
}

// startStateWatcher polls the client connection state at the keep-alive
// interval and folds it into coarse session states. The gopcua client
// performs its own reconnect when AutoReconnect is enabled; the watcher only
// reports what it observes.
func (s *uaSession) startStateWatcher() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watching {
		return
	}
	s.watching = true

	interval := s.cfg.Timeouts.KeepAlive
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := SessionActive
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				state := SessionActive
				if s.client.State() != gopcua.Connected {
					state = SessionInactive
				}
				if state == last {
					continue
				}
				last = state
				select {
				case s.stateCh <- state:
				default:
					// Receiver lagging; the next transition
					// carries the fresh state anyway.
				}
			}
		}
	}()
}

func (s *uaSession) StateChanges() <-chan SessionState {
	return s.stateCh
}

func (s *uaSession) Browse(ctx context.Context, nodeID *ua.NodeID) ([]NodeRef, error) {
	req := &ua.BrowseRequest{
		RequestedMaxReferencesPerNode: maxReferencesPerBrowse,
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          nodeID,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   0, // all classes
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}
	resp, err := s.client.Browse(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBrowse, "browse request failed").
			WithDetail("node_id", nodeID.String())
	}
	if len(resp.Results) == 0 {
		return nil, errors.New(errors.ErrorTypeBrowse, "browse returned no results")
	}
	result := resp.Results[0]
	if result.StatusCode != ua.StatusOK {
		return nil, errors.Newf(errors.ErrorTypeBrowse, "browse rejected: %s", result.StatusCode).
			WithDetail("node_id", nodeID.String())
	}

	refs := make([]NodeRef, 0, len(result.References))
	for _, ref := range result.References {
		if ref.NodeID == nil || ref.NodeID.NodeID == nil {
			continue
		}
		nr := NodeRef{
			NodeID:   ref.NodeID.NodeID,
			Class:    ref.NodeClass,
			IsFolder: isTypeDefinition(ref.TypeDefinition, id.FolderType),
			IsDevice: isDeviceTypeDefinition(ref.TypeDefinition),
			// Containers are presumed browseable; a precise answer
			// would need one extra browse per child.
			HasChildren: ref.NodeClass == ua.NodeClassObject,
		}
		if ref.BrowseName != nil {
			nr.BrowseName = ref.BrowseName.Name
		}
		if ref.DisplayName != nil {
			nr.DisplayName = ref.DisplayName.Text
		}
		refs = append(refs, nr)
	}
	s.enrichReferences(ctx, refs)
	return refs, nil
}

// enrichReferences reads the attributes a browse response does not carry:
// Description for every node, plus AccessLevel and DataType for variables.
// Enrichment failure degrades the listing, it never fails the browse.
func (s *uaSession) enrichReferences(ctx context.Context, refs []NodeRef) {
	if len(refs) == 0 {
		return
	}

	nodes := make([]*ua.ReadValueID, 0, len(refs)*3)
	// index pairs back into refs: (ref index, attribute)
	type slot struct {
		ref  int
		attr ua.AttributeID
	}
	slots := make([]slot, 0, cap(nodes))
	for i, ref := range refs {
		nodes = append(nodes, &ua.ReadValueID{NodeID: ref.NodeID, AttributeID: ua.AttributeIDDescription})
		slots = append(slots, slot{i, ua.AttributeIDDescription})
		if ref.Class == ua.NodeClassVariable {
			nodes = append(nodes, &ua.ReadValueID{NodeID: ref.NodeID, AttributeID: ua.AttributeIDAccessLevel})
			slots = append(slots, slot{i, ua.AttributeIDAccessLevel})
			nodes = append(nodes, &ua.ReadValueID{NodeID: ref.NodeID, AttributeID: ua.AttributeIDDataType})
			slots = append(slots, slot{i, ua.AttributeIDDataType})
		}
	}

	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		s.logger.Debug("attribute enrichment failed", zap.Error(err))
		return
	}
	for i, dv := range resp.Results {
		if i >= len(slots) || dv == nil || dv.Status != ua.StatusOK || dv.Value == nil {
			continue
		}
		ref := &refs[slots[i].ref]
		switch slots[i].attr {
		case ua.AttributeIDDescription:
			if lt, ok := dv.Value.Value().(*ua.LocalizedText); ok && lt != nil {
				ref.Description = lt.Text
			}
		case ua.AttributeIDAccessLevel:
			if lvl, ok := dv.Value.Value().(uint8); ok {
				ref.AccessLevel = lvl
			}
		case ua.AttributeIDDataType:
			if dt, ok := dv.Value.Value().(*ua.NodeID); ok && dt != nil {
				ref.DataType = dataTypeNodeToTypeID(dt)
			}
		}
	}
}

// isTypeDefinition reports whether the expanded node id names the given
// namespace zero numeric identifier.
func isTypeDefinition(td *ua.ExpandedNodeID, numericID uint32) bool {
	if td == nil || td.NodeID == nil {
		return false
	}
	n := td.NodeID
	return n.Namespace() == 0 && n.IntID() == numericID
}

// deviceTypeID is the DI companion specification's DeviceType; servers that
// model physical equipment expose instances of it.
const deviceTypeID = 1002

func isDeviceTypeDefinition(td *ua.ExpandedNodeID) bool {
	if td == nil || td.NodeID == nil {
		return false
	}
	// DeviceType lives in the DI namespace, never namespace zero.
	return td.NodeID.Namespace() != 0 && td.NodeID.IntID() == deviceTypeID
}

func (s *uaSession) Read(ctx context.Context, nodeID *ua.NodeID) (*ua.DataValue, error) {
	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
		}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRead, "read request failed").
			WithDetail("node_id", nodeID.String())
	}
	if len(resp.Results) == 0 {
		return nil, errors.New(errors.ErrorTypeRead, "read returned no results")
	}
	return resp.Results[0], nil
}

func (s *uaSession) CreateSubscription(ctx context.Context, publishingInterval time.Duration, notify NotifyFunc) (Subscription, error) {
	notifyCh := make(chan *gopcua.PublishNotificationData, s.cfg.Subscription.BufferSize)
	sub, err := s.client.Subscribe(ctx, &gopcua.SubscriptionParameters{
		Interval: publishingInterval,
	}, notifyCh)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSubscription, "failed to create subscription")
	}

	us := &uaSubscription{
		sub:    sub,
		logger: s.logger,
		done:   make(chan struct{}),
	}
	go us.pump(notifyCh, notify)
	return us, nil
}

// uaSubscription wraps one gopcua subscription and drains its notification
// channel on a dedicated goroutine.
type uaSubscription struct {
	sub    *gopcua.Subscription
	logger *zap.Logger
	done   chan struct{}
}

// pump converts raw publish notifications into ItemValue slices. It exits
// when the notification channel closes or the subscription is cancelled.
func (s *uaSubscription) pump(notifyCh <-chan *gopcua.PublishNotificationData, notify NotifyFunc) {
	for {
		select {
		case <-s.done:
			return
		case nd, ok := <-notifyCh:
			if !ok {
				return
			}
			if nd.Error != nil {
				s.logger.Warn("publish notification error", zap.Error(nd.Error))
				continue
			}
			dcn, ok := nd.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			values := make([]ItemValue, 0, len(dcn.MonitoredItems))
			for _, item := range dcn.MonitoredItems {
				if item == nil || item.Value == nil {
					continue
				}
				values = append(values, ItemValue{
					ClientHandle: item.ClientHandle,
					Value:        item.Value,
				})
			}
			if len(values) > 0 {
				notify(values)
			}
		}
	}
}

func (s *uaSubscription) Monitor(ctx context.Context, reqs ...MonitorRequest) ([]MonitorResult, error) {
	items := make([]*ua.MonitoredItemCreateRequest, 0, len(reqs))
	for _, r := range reqs {
		item := gopcua.NewMonitoredItemCreateRequestWithDefaults(r.NodeID, ua.AttributeIDValue, r.ClientHandle)
		item.RequestedParameters.SamplingInterval = float64(r.SamplingInterval.Milliseconds())
		item.RequestedParameters.QueueSize = r.QueueSize
		item.RequestedParameters.DiscardOldest = r.DiscardOldest
		items = append(items, item)
	}
	resp, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, items...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSubscription, "failed to create monitored items")
	}
	results := make([]MonitorResult, 0, len(resp.Results))
	for i, res := range resp.Results {
		mr := MonitorResult{Status: res.StatusCode}
		if i < len(reqs) {
			mr.ClientHandle = reqs[i].ClientHandle
		}
		if res.StatusCode == ua.StatusOK {
			mr.MonitoredItemID = res.MonitoredItemID
		}
		results = append(results, mr)
	}
	return results, nil
}

func (s *uaSubscription) Unmonitor(ctx context.Context, monitoredItemIDs ...uint32) error {
	if len(monitoredItemIDs) == 0 {
		return nil
	}
	resp, err := s.sub.Unmonitor(ctx, monitoredItemIDs...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSubscription, "failed to remove monitored items")
	}
	for i, status := range resp.Results {
		if status != ua.StatusOK {
			return errors.Newf(errors.ErrorTypeSubscription, "monitored item removal rejected: %s", status).
				WithDetail("monitored_item_id", monitoredItemIDs[i])
		}
	}
	return nil
}

func (s *uaSubscription) Cancel(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.sub.Cancel(ctx)
}
