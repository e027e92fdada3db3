// Package store defines the narrow store contract (SPEC_FULL.md §1,
// spec.md §6) that pkg/itemmodel, pkg/batcher, pkg/txn, and
// pkg/iterator depend on. It is deliberately store-agnostic: no AWS
// SDK type appears in this package. pkg/dynamostore is the concrete
// DynamoDB adapter; pkg/store/storetest.FakeStore is an in-memory
// adapter used by the property/scenario tests in §8.
package store

import "context"

// Key is a physical-attribute-name-keyed primary key: always {"_id":
// ..., "_sk": ...} or {"_id": ...} for a table with no sort key.
type Key map[string]any

// Item is a physical-attribute-name-keyed record.
type Item map[string]any

// GetInput is a single-item read.
type GetInput struct {
	TableName      string
	Key            Key
	ConsistentRead bool
}

// GetOutput carries the fetched item, or a nil Item on a read miss.
type GetOutput struct {
	Item Item
}

// TransactGetEntry is one item of an atomic multi-get.
type TransactGetEntry struct {
	TableName string
	Key       Key
}

// TransactGetInput requests a consistent snapshot across items.
type TransactGetInput struct {
	Items []TransactGetEntry
}

// TransactGetOutput pairs each input entry with its item (nil on miss),
// preserving input order.
type TransactGetOutput struct {
	Items []Item
}

// BatchGetRequest is one table's worth of keys for BatchGet.
type BatchGetRequest struct {
	TableName      string
	Keys           []Key
	ConsistentRead bool
}

// BatchGetInput requests a (possibly eventually-consistent) multi-get.
type BatchGetInput struct {
	Requests []BatchGetRequest
}

// BatchGetOutput carries the items actually returned plus any keys the
// store did not process in this round (throttling) for the caller to
// retry.
type BatchGetOutput struct {
	Items       []Item
	Unprocessed []BatchGetRequest
}

// WriteKind discriminates a single-item Write call.
type WriteKind int

const (
	WritePut WriteKind = iota
	WriteUpdate
	WriteDelete
)

// WriteInput is a single-item put/update/delete, independently retried
// at the store layer per spec.md §5 ("write-path retries at the
// single-item level reuse a separate 3-attempt loop").
type WriteInput struct {
	Kind                 WriteKind
	TableName            string
	Key                  Key  // Update, Delete
	Item                 Item // Put
	UpdateExpression     string
	ConditionExpression  string
	Names                map[string]string
	Values               map[string]any
}

// TransactWriteKind discriminates one entry of an atomic multi-item
// write.
type TransactWriteKind int

const (
	TransactPut TransactWriteKind = iota
	TransactUpdate
	TransactDelete
	TransactConditionCheck
)

// TransactWriteEntry is one entry of a TransactWrite call.
type TransactWriteEntry struct {
	Kind                 TransactWriteKind
	TableName            string
	Key                  Key
	Item                 Item
	UpdateExpression     string
	ConditionExpression  string
	Names                map[string]string
	Values               map[string]any
}

// TransactWriteInput submits every entry as one atomic write: all
// entries apply, or none do.
type TransactWriteInput struct {
	Items []TransactWriteEntry
}

// QueryInput drives both Query and Scan (Scan omits KeyConditionExpression
// and may set Segment/TotalSegments).
type QueryInput struct {
	TableName               string
	IndexName               string
	KeyConditionExpression  string
	FilterExpression        string
	ProjectionExpression    string
	Names                   map[string]string
	Values                  map[string]any
	ConsistentRead          bool
	Limit                   int32
	ExclusiveStartKey       Key
	Segment                 *int32
	TotalSegments           *int32
	ScanIndexForward        *bool
}

// QueryOutput is one page of results. A nil LastEvaluatedKey means
// pagination is exhausted.
type QueryOutput struct {
	Items            []Item
	LastEvaluatedKey Key
}

// Store is the contract every transaction/iterator operation is built
// on. Implementations must surface retryable conditions (throttling,
// ConditionalCheckFailed, TransactionCanceled) through Error so
// pkg/txerrors.Retryable can classify them without importing any SDK.
type Store interface {
	Get(ctx context.Context, in GetInput) (GetOutput, error)
	TransactGet(ctx context.Context, in TransactGetInput) (TransactGetOutput, error)
	BatchGet(ctx context.Context, in BatchGetInput) (BatchGetOutput, error)
	Write(ctx context.Context, in WriteInput) error
	TransactWrite(ctx context.Context, in TransactWriteInput) error
	Query(ctx context.Context, in QueryInput) (QueryOutput, error)
	Scan(ctx context.Context, in QueryInput) (QueryOutput, error)
}
