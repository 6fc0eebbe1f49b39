package opcua

import (
	"context"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
)

// Connector implements core.Browser; callers discover it via core.AsBrowser.

// BrowseRoot enumerates the children of the standard Objects folder.
func (c *Connector) BrowseRoot(ctx context.Context) ([]core.BrowseItem, error) {
	return c.browseNode(ctx, ua.NewNumericNodeID(0, id.ObjectsFolder))
}

// Browse enumerates the children one level below the given node.
func (c *Connector) Browse(ctx context.Context, nodeID string) ([]core.BrowseItem, error) {
	n, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid node id").
			WithDetail("node_id", nodeID)
	}
	return c.browseNode(ctx, n)
}

func (c *Connector) browseNode(ctx context.Context, nodeID *ua.NodeID) ([]core.BrowseItem, error) {
	sess, err := c.connectedSession()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	refs, err := sess.Browse(ctx, nodeID)
	c.Metrics().ObserveRequest("browse", time.Since(start))
	if err != nil {
		c.RecordFailure(err.Error())
		return nil, err
	}

	items := make([]core.BrowseItem, 0, len(refs))
	for _, ref := range refs {
		items = append(items, toBrowseItem(ref))
	}
	c.RecordSuccess()
	return items, nil
}

// ReadValue reads a single node's value attribute and normalizes it to a
// data point. The node does not need to be subscribed; the point carries the
// node id as its tag.
func (c *Connector) ReadValue(ctx context.Context, nodeID string) (*core.DataPoint, error) {
	n, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid node id").
			WithDetail("node_id", nodeID)
	}

	sess, err := c.connectedSession()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	dv, err := sess.Read(ctx, n)
	c.Metrics().ObserveRequest("read", time.Since(start))
	if err != nil {
		c.RecordFailure(err.Error())
		return nil, err
	}

	received := time.Now()
	dp := core.DataPoint{
		SourceID:          c.Config().ID,
		TagID:             nodeID,
		Name:              nodeID,
		Quality:           statusToQuality(dv.Status),
		SourceTimestamp:   dv.SourceTimestamp,
		ReceivedTimestamp: received,
	}
	if dp.SourceTimestamp.IsZero() {
		dp.SourceTimestamp = received
	}
	if dv.Value != nil {
		dp.Value = dv.Value.Value()
		dp.DataType = variantTypeToDataType(dv.Value.Type())
	} else {
		dp.DataType = core.DataTypeUnknown
	}
	c.RecordSuccess()
	return &dp, nil
}

// connectedSession returns the current session or a connection error when
// the connector is not connected.
func (c *Connector) connectedSession() (Session, error) {
	if c.Status() != core.StatusConnected {
		return nil, errors.Newf(errors.ErrorTypeConnection,
			"operation requires a connected session (status %s)", c.Status())
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "no active session")
	}
	return sess, nil
}
