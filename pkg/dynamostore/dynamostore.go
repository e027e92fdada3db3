// Package dynamostore is the concrete AWS SDK v2 DynamoDB adapter for
// store.Store (SPEC_FULL.md §1). It is grounded on the teacher's
// internal/theorydb/query_executor.go: the same GetItem/PutItem/
// UpdateItem/DeleteItem/Query/Scan/TransactWriteItems/TransactGetItems/
// BatchGetItem calls, the same ConditionalCheckFailedException and
// TransactionCanceledException classification, adapted from the
// teacher's struct-marshaled items to txcore's generic store.Item maps
// via attributevalue.MarshalMap/UnmarshalMap.
package dynamostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"

	"github.com/theory-cloud/txcore/pkg/store"
)

// Client is the subset of *dynamodb.Client this adapter calls. Tests
// substitute a fake implementation instead of hitting AWS.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactGetItems(ctx context.Context, in *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store adapts a DynamoDB Client to store.Store.
type Store struct {
	client Client
}

// New returns a store.Store backed by client.
func New(client Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, in store.GetInput) (store.GetOutput, error) {
	key, err := attributevalue.MarshalMap(in.Key)
	if err != nil {
		return store.GetOutput{}, fmt.Errorf("dynamostore: marshal key: %w", err)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &in.TableName,
		Key:            key,
		ConsistentRead: &in.ConsistentRead,
	})
	if err != nil {
		return store.GetOutput{}, classify(err)
	}
	if len(out.Item) == 0 {
		return store.GetOutput{Item: nil}, nil
	}
	item, err := unmarshalItem(out.Item)
	if err != nil {
		return store.GetOutput{}, err
	}
	return store.GetOutput{Item: item}, nil
}

func (s *Store) TransactGet(ctx context.Context, in store.TransactGetInput) (store.TransactGetOutput, error) {
	entries := make([]types.TransactGetItem, len(in.Items))
	for i, e := range in.Items {
		key, err := attributevalue.MarshalMap(e.Key)
		if err != nil {
			return store.TransactGetOutput{}, fmt.Errorf("dynamostore: marshal key: %w", err)
		}
		entries[i] = types.TransactGetItem{Get: &types.Get{TableName: &e.TableName, Key: key}}
	}
	out, err := s.client.TransactGetItems(ctx, &dynamodb.TransactGetItemsInput{TransactItems: entries})
	if err != nil {
		return store.TransactGetOutput{}, classify(err)
	}
	items := make([]store.Item, len(out.Responses))
	for i, r := range out.Responses {
		if len(r.Item) == 0 {
			continue
		}
		item, err := unmarshalItem(r.Item)
		if err != nil {
			return store.TransactGetOutput{}, err
		}
		items[i] = item
	}
	return store.TransactGetOutput{Items: items}, nil
}

func (s *Store) BatchGet(ctx context.Context, in store.BatchGetInput) (store.BatchGetOutput, error) {
	reqItems := make(map[string]types.KeysAndAttributes, len(in.Requests))
	for _, req := range in.Requests {
		keys := make([]map[string]types.AttributeValue, len(req.Keys))
		for i, k := range req.Keys {
			av, err := attributevalue.MarshalMap(k)
			if err != nil {
				return store.BatchGetOutput{}, fmt.Errorf("dynamostore: marshal key: %w", err)
			}
			keys[i] = av
		}
		reqItems[req.TableName] = types.KeysAndAttributes{Keys: keys, ConsistentRead: &req.ConsistentRead}
	}

	out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: reqItems})
	if err != nil {
		return store.BatchGetOutput{}, classify(err)
	}

	var items []store.Item
	for _, raw := range out.Responses {
		for _, av := range raw {
			item, err := unmarshalItem(av)
			if err != nil {
				return store.BatchGetOutput{}, err
			}
			items = append(items, item)
		}
	}

	var unprocessed []store.BatchGetRequest
	for table, ka := range out.UnprocessedKeys {
		keys := make([]store.Key, len(ka.Keys))
		for i, av := range ka.Keys {
			k, err := unmarshalItem(av)
			if err != nil {
				return store.BatchGetOutput{}, err
			}
			keys[i] = store.Key(k)
		}
		consistent := ka.ConsistentRead != nil && *ka.ConsistentRead
		unprocessed = append(unprocessed, store.BatchGetRequest{TableName: table, Keys: keys, ConsistentRead: consistent})
	}

	return store.BatchGetOutput{Items: items, Unprocessed: unprocessed}, nil
}

func (s *Store) Write(ctx context.Context, in store.WriteInput) error {
	names := namesOrNil(in.Names)
	values, err := marshalValues(in.Values)
	if err != nil {
		return err
	}

	switch in.Kind {
	case store.WritePut:
		item, err := attributevalue.MarshalMap(map[string]any(in.Item))
		if err != nil {
			return fmt.Errorf("dynamostore: marshal item: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 &in.TableName,
			Item:                      item,
			ConditionExpression:       strPtrOrNil(in.ConditionExpression),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return classify(err)
	case store.WriteUpdate:
		key, err := attributevalue.MarshalMap(in.Key)
		if err != nil {
			return fmt.Errorf("dynamostore: marshal key: %w", err)
		}
		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 &in.TableName,
			Key:                       key,
			UpdateExpression:          strPtrOrNil(in.UpdateExpression),
			ConditionExpression:       strPtrOrNil(in.ConditionExpression),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return classify(err)
	case store.WriteDelete:
		key, err := attributevalue.MarshalMap(in.Key)
		if err != nil {
			return fmt.Errorf("dynamostore: marshal key: %w", err)
		}
		_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 &in.TableName,
			Key:                       key,
			ConditionExpression:       strPtrOrNil(in.ConditionExpression),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return classify(err)
	default:
		return fmt.Errorf("dynamostore: unknown write kind %d", in.Kind)
	}
}

func (s *Store) TransactWrite(ctx context.Context, in store.TransactWriteInput) error {
	entries := make([]types.TransactWriteItem, len(in.Items))
	for i, e := range in.Items {
		names := namesOrNil(e.Names)
		values, err := marshalValues(e.Values)
		if err != nil {
			return err
		}
		switch e.Kind {
		case store.TransactPut:
			item, err := attributevalue.MarshalMap(map[string]any(e.Item))
			if err != nil {
				return fmt.Errorf("dynamostore: marshal item: %w", err)
			}
			entries[i] = types.TransactWriteItem{Put: &types.Put{
				TableName: &e.TableName, Item: item,
				ConditionExpression: strPtrOrNil(e.ConditionExpression),
				ExpressionAttributeNames: names, ExpressionAttributeValues: values,
			}}
		case store.TransactUpdate:
			key, err := attributevalue.MarshalMap(e.Key)
			if err != nil {
				return fmt.Errorf("dynamostore: marshal key: %w", err)
			}
			entries[i] = types.TransactWriteItem{Update: &types.Update{
				TableName: &e.TableName, Key: key,
				UpdateExpression: &e.UpdateExpression,
				ConditionExpression: strPtrOrNil(e.ConditionExpression),
				ExpressionAttributeNames: names, ExpressionAttributeValues: values,
			}}
		case store.TransactDelete:
			key, err := attributevalue.MarshalMap(e.Key)
			if err != nil {
				return fmt.Errorf("dynamostore: marshal key: %w", err)
			}
			entries[i] = types.TransactWriteItem{Delete: &types.Delete{
				TableName: &e.TableName, Key: key,
				ConditionExpression: strPtrOrNil(e.ConditionExpression),
				ExpressionAttributeNames: names, ExpressionAttributeValues: values,
			}}
		case store.TransactConditionCheck:
			key, err := attributevalue.MarshalMap(e.Key)
			if err != nil {
				return fmt.Errorf("dynamostore: marshal key: %w", err)
			}
			entries[i] = types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
				TableName: &e.TableName, Key: key,
				ConditionExpression: &e.ConditionExpression,
				ExpressionAttributeNames: names, ExpressionAttributeValues: values,
			}}
		default:
			return fmt.Errorf("dynamostore: unknown transact write kind %d", e.Kind)
		}
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: entries})
	return classify(err)
}

func (s *Store) Query(ctx context.Context, in store.QueryInput) (store.QueryOutput, error) {
	names := namesOrNil(in.Names)
	values, err := marshalValues(in.Values)
	if err != nil {
		return store.QueryOutput{}, err
	}
	startKey, err := exclusiveStartKey(in.ExclusiveStartKey)
	if err != nil {
		return store.QueryOutput{}, err
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 &in.TableName,
		IndexName:                 strPtrOrNil(in.IndexName),
		KeyConditionExpression:    strPtrOrNil(in.KeyConditionExpression),
		FilterExpression:          strPtrOrNil(in.FilterExpression),
		ProjectionExpression:      strPtrOrNil(in.ProjectionExpression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            &in.ConsistentRead,
		Limit:                     limitPtr(in.Limit),
		ExclusiveStartKey:         startKey,
		ScanIndexForward:          in.ScanIndexForward,
	})
	if err != nil {
		return store.QueryOutput{}, classify(err)
	}
	return toQueryOutput(out.Items, out.LastEvaluatedKey)
}

func (s *Store) Scan(ctx context.Context, in store.QueryInput) (store.QueryOutput, error) {
	names := namesOrNil(in.Names)
	values, err := marshalValues(in.Values)
	if err != nil {
		return store.QueryOutput{}, err
	}
	startKey, err := exclusiveStartKey(in.ExclusiveStartKey)
	if err != nil {
		return store.QueryOutput{}, err
	}

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 &in.TableName,
		IndexName:                 strPtrOrNil(in.IndexName),
		FilterExpression:          strPtrOrNil(in.FilterExpression),
		ProjectionExpression:      strPtrOrNil(in.ProjectionExpression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            &in.ConsistentRead,
		Limit:                     limitPtr(in.Limit),
		ExclusiveStartKey:         startKey,
		Segment:                   in.Segment,
		TotalSegments:             in.TotalSegments,
	})
	if err != nil {
		return store.QueryOutput{}, classify(err)
	}
	return toQueryOutput(out.Items, out.LastEvaluatedKey)
}

func toQueryOutput(rawItems []map[string]types.AttributeValue, lastKey map[string]types.AttributeValue) (store.QueryOutput, error) {
	items := make([]store.Item, len(rawItems))
	for i, raw := range rawItems {
		item, err := unmarshalItem(raw)
		if err != nil {
			return store.QueryOutput{}, err
		}
		items[i] = item
	}
	var last store.Key
	if len(lastKey) > 0 {
		k, err := unmarshalItem(lastKey)
		if err != nil {
			return store.QueryOutput{}, err
		}
		last = store.Key(k)
	}
	return store.QueryOutput{Items: items, LastEvaluatedKey: last}, nil
}

func unmarshalItem(av map[string]types.AttributeValue) (store.Item, error) {
	var m map[string]any
	if err := attributevalue.UnmarshalMap(av, &m); err != nil {
		return nil, fmt.Errorf("dynamostore: unmarshal item: %w", err)
	}
	return store.Item(m), nil
}

func marshalValues(values map[string]any) (map[string]types.AttributeValue, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out, err := attributevalue.MarshalMap(values)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: marshal expression values: %w", err)
	}
	return out, nil
}

func exclusiveStartKey(k store.Key) (map[string]types.AttributeValue, error) {
	if len(k) == 0 {
		return nil, nil
	}
	av, err := attributevalue.MarshalMap(map[string]any(k))
	if err != nil {
		return nil, fmt.Errorf("dynamostore: marshal exclusive start key: %w", err)
	}
	return av, nil
}

func namesOrNil(names map[string]string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	return names
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func limitPtr(n int32) *int32 {
	if n <= 0 {
		return nil
	}
	return &n
}

// retryableError marks the store-tagged transient conditions
// pkg/txerrors.Retryable probes for via the Retryable() bool method
// set, mirroring the teacher's isConditionalCheckFailedException/
// isTransactionCanceledException helpers in query_executor.go.
type retryableError struct {
	err       error
	retryable bool
}

func (e *retryableError) Error() string      { return e.err.Error() }
func (e *retryableError) Unwrap() error      { return e.err }
func (e *retryableError) Retryable() bool    { return e.retryable }

// classify wraps a raw AWS SDK error with retryability so
// pkg/txerrors.Retryable can drive Transaction.Run's retry decision
// without importing the SDK. ConditionalCheckFailedException,
// TransactionCanceledException (when any cancellation reason is
// ConditionalCheckFailed or TransactionConflict),
// ProvisionedThroughputExceededException, RequestLimitExceeded, and
// ThrottlingException are retryable; everything else is not.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return &retryableError{err: err, retryable: true}
	}

	var txCanceled *types.TransactionCanceledException
	if errors.As(err, &txCanceled) {
		for _, reason := range txCanceled.CancellationReasons {
			if reason.Code != nil && (*reason.Code == "ConditionalCheckFailed" || *reason.Code == "TransactionConflict") {
				return &retryableError{err: err, retryable: true}
			}
		}
		return &retryableError{err: err, retryable: false}
	}

	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return &retryableError{err: err, retryable: true}
	}
	var limitExceeded *types.RequestLimitExceeded
	if errors.As(err, &limitExceeded) {
		return &retryableError{err: err, retryable: true}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
		return &retryableError{err: err, retryable: true}
	}

	return err
}
