// Package lambdaglue — DynamoDB Streams image conversion. Grounded on
// the teacher's internal/theorydb/theorydb.go UnmarshalStreamImage/
// convertLambdaAttributeValue: the same per-type switch over Lambda's
// events.DynamoDBAttributeValue, adapted from producing an SDK v2
// types.AttributeValue (for the teacher's own struct-tag unmarshaler)
// to producing a plain store.Item so a stream record can be fed
// straight into itemmodel.FromItem.
package lambdaglue

import (
	"github.com/aws/aws-lambda-go/events"

	"github.com/theory-cloud/txcore/pkg/store"
)

// StreamImage converts a DynamoDB Streams record image (as delivered
// to a Lambda function subscribed to a table's stream) into a
// store.Item, so callers can pass record.Change.NewImage straight to
// itemmodel.FromItem without hand-rolling the AttributeValue walk.
func StreamImage(image map[string]events.DynamoDBAttributeValue) store.Item {
	item := make(store.Item, len(image))
	for name, attr := range image {
		item[name] = convertStreamAttribute(attr)
	}
	return item
}

// convertStreamAttribute recursively converts one Lambda stream-event
// attribute value into the plain Go value store.Item holds.
func convertStreamAttribute(attr events.DynamoDBAttributeValue) any {
	switch attr.DataType() {
	case events.DataTypeString:
		return attr.String()
	case events.DataTypeNumber:
		return attr.Number()
	case events.DataTypeBinary:
		return attr.Binary()
	case events.DataTypeBoolean:
		return attr.Boolean()
	case events.DataTypeNull:
		return nil
	case events.DataTypeList:
		list := attr.List()
		out := make([]any, len(list))
		for i, v := range list {
			out[i] = convertStreamAttribute(v)
		}
		return out
	case events.DataTypeMap:
		m := attr.Map()
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = convertStreamAttribute(v)
		}
		return out
	case events.DataTypeStringSet:
		return attr.StringSet()
	case events.DataTypeNumberSet:
		return attr.NumberSet()
	case events.DataTypeBinarySet:
		return attr.BinarySet()
	default:
		return nil
	}
}
