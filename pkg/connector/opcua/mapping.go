package opcua

import (
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
)

// Severity bits of an OPC UA status code. The top two bits classify a code
// as good (00), uncertain (01) or bad (10).
const (
	severityMask      uint32 = 0xC0000000
	severityUncertain uint32 = 0x40000000
	severityBad       uint32 = 0x80000000
)

// statusToQuality buckets a native status code into the canonical quality
// scale by its severity bits.
func statusToQuality(status ua.StatusCode) core.DataQuality {
	switch uint32(status) & severityMask {
	case severityUncertain:
		return core.QualityUncertain
	case severityBad:
		return core.QualityBad
	default:
		return core.QualityGood
	}
}

// variantTypeToDataType maps a variant's built-in type onto the canonical
// data point type. Signedness collapses into two integer families and
// anything without a canonical counterpart maps to unknown.
func variantTypeToDataType(t ua.TypeID) core.DataPointType {
	switch t {
	case ua.TypeIDBoolean:
		return core.DataTypeBoolean
	case ua.TypeIDSByte, ua.TypeIDInt16, ua.TypeIDInt32, ua.TypeIDInt64:
		return core.DataTypeInteger
	case ua.TypeIDByte, ua.TypeIDUint16, ua.TypeIDUint32, ua.TypeIDUint64:
		return core.DataTypeUnsigned
	case ua.TypeIDFloat:
		return core.DataTypeFloat
	case ua.TypeIDDouble:
		return core.DataTypeDouble
	case ua.TypeIDString, ua.TypeIDXMLElement, ua.TypeIDLocalizedText, ua.TypeIDQualifiedName, ua.TypeIDGUID:
		return core.DataTypeString
	case ua.TypeIDDateTime:
		return core.DataTypeDateTime
	case ua.TypeIDByteString:
		return core.DataTypeByteString
	default:
		return core.DataTypeUnknown
	}
}

// dataTypeNodeToTypeID resolves a DataType attribute node to its built-in
// type. Only namespace zero numeric identifiers in the built-in range can be
// resolved without reading the server's type hierarchy.
func dataTypeNodeToTypeID(n *ua.NodeID) ua.TypeID {
	if n == nil || n.Namespace() != 0 {
		return ua.TypeIDNull
	}
	intID := n.IntID()
	if intID == 0 || intID > uint32(ua.TypeIDDiagnosticInfo) {
		return ua.TypeIDNull
	}
	return ua.TypeID(intID)
}

// nodeClassToItemType maps the native node class to the canonical browse
// item type. Folder and device typed objects are refined by the reference's
// type definition before this mapping applies.
func nodeClassToItemType(ref NodeRef) core.BrowseItemType {
	switch ref.Class {
	case ua.NodeClassVariable:
		return core.BrowseItemVariable
	case ua.NodeClassMethod:
		return core.BrowseItemMethod
	case ua.NodeClassObject:
		if ref.IsDevice {
			return core.BrowseItemDevice
		}
		if ref.IsFolder {
			return core.BrowseItemFolder
		}
		return core.BrowseItemObject
	default:
		return core.BrowseItemObject
	}
}

// toBrowseItem converts one enriched native reference into the canonical
// browse model. The display name wins over the browse name when present.
func toBrowseItem(ref NodeRef) core.BrowseItem {
	name := ref.DisplayName
	if name == "" {
		name = ref.BrowseName
	}
	item := core.BrowseItem{
		NodeID:      ref.NodeID.String(),
		Name:        name,
		Description: ref.Description,
		ItemType:    nodeClassToItemType(ref),
		HasChildren: ref.HasChildren,
	}
	if ref.Class == ua.NodeClassVariable {
		item.DataType = variantTypeToDataType(ref.DataType)
		item.IsReadable = ref.AccessLevel&0x01 != 0
		item.IsWritable = ref.AccessLevel&0x02 != 0
	}
	return item
}

// toDataPoint converts one monitored item value into a canonical data point.
// A missing source timestamp falls back to the receipt time so downstream
// ordering never sees a zero time.
func toDataPoint(sourceID string, item config.SubscriptionItem, dv *ua.DataValue, received time.Time) core.DataPoint {
	dp := core.DataPoint{
		SourceID:          sourceID,
		TagID:             item.ID,
		Name:              item.Name,
		Quality:           statusToQuality(dv.Status),
		SourceTimestamp:   dv.SourceTimestamp,
		ReceivedTimestamp: received,
		Unit:              item.Unit,
		Metadata:          item.Metadata,
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
	return dp
}
