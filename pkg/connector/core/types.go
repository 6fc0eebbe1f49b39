// Package core defines the canonical data model and the contracts every
// edgeflow connector implements. A connector owns one authenticated session
// to one configured endpoint and normalizes protocol-specific values into
// DataPoint batches that downstream ingestion consumes.
package core

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a connector. Exactly one value
// holds at any instant; the connector exclusively owns its own status.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// DataQuality is a coarse reliability signal attached to every sampled value.
type DataQuality string

const (
	QualityGood        DataQuality = "good"
	QualityUncertain   DataQuality = "uncertain"
	QualityBad         DataQuality = "bad"
	QualityConfigError DataQuality = "configuration_error"
)

// DataPointType is the canonical, protocol-agnostic value type.
type DataPointType string

const (
	DataTypeBoolean    DataPointType = "boolean"
	DataTypeInteger    DataPointType = "integer"
	DataTypeUnsigned   DataPointType = "unsigned"
	DataTypeFloat      DataPointType = "float"
	DataTypeDouble     DataPointType = "double"
	DataTypeString     DataPointType = "string"
	DataTypeDateTime   DataPointType = "datetime"
	DataTypeByteString DataPointType = "bytestring"
	DataTypeUnknown    DataPointType = "unknown"
)

// BrowseItemType classifies a node returned by a browse operation.
type BrowseItemType string

const (
	BrowseItemObject   BrowseItemType = "object"
	BrowseItemVariable BrowseItemType = "variable"
	BrowseItemMethod   BrowseItemType = "method"
	BrowseItemFolder   BrowseItemType = "folder"
	BrowseItemDevice   BrowseItemType = "device"
)

// DataPoint is the normalized output unit every connector emits. Both
// timestamps and an explicit quality are always set; absence of a protocol
// quality code maps to QualityGood by convention.
type DataPoint struct {
	// SourceID identifies the emitting connector instance.
	SourceID string `json:"source_id"`
	// TagID is the subscription item ID the value belongs to.
	TagID string `json:"tag_id"`
	Name  string `json:"name"`
	// Value is the protocol-agnostic boxed value.
	Value    interface{}   `json:"value"`
	DataType DataPointType `json:"data_type"`
	Quality  DataQuality   `json:"quality"`
	// SourceTimestamp is when the device sampled the value.
	SourceTimestamp time.Time `json:"source_timestamp"`
	// ReceivedTimestamp is when the connector observed the value.
	ReceivedTimestamp time.Time `json:"received_timestamp"`
	Unit              string    `json:"unit,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Batch is the unit of delivery into the ingestion sink. A connector always
// forwards all values queued in one notification as a single batch to
// preserve ordering.
type Batch []DataPoint

// BrowseItem describes one child node discovered by a browse call. Browse
// results are transient; connectors never persist them.
type BrowseItem struct {
	NodeID      string         `json:"node_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ItemType    BrowseItemType `json:"item_type"`
	DataType    DataPointType  `json:"data_type,omitempty"`
	IsReadable  bool           `json:"is_readable"`
	IsWritable  bool           `json:"is_writable"`
	HasChildren bool           `json:"has_children"`
}

// Info is the operational snapshot a connector exposes for monitoring. It
// lets operators distinguish "connected but not receiving data" from fully
// healthy: LastSuccess/LastFailure track data activity independently of the
// connect/disconnect state machine.
type Info struct {
	Name                string           `json:"name"`
	Status              ConnectionStatus `json:"status"`
	LastError           string           `json:"last_error,omitempty"`
	LastSuccess         time.Time        `json:"last_success,omitempty"`
	LastFailure         time.Time        `json:"last_failure,omitempty"`
	LastFailureMessage  string           `json:"last_failure_message,omitempty"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}
