// Package ddbdocs is a docdb.Client backed by a DynamoDB table.
//
// Every document is one item: the partition key holds the collection path and the sort key
// the document id, so listing a collection is a single Query. Document fields live under a
// nested map attribute and are encoded with [attr]. Writes that depend on the current state
// (update, merging set) are read-modify-write cycles guarded by a revision attribute.
//
// Live listeners only observe writes issued through the same Store; there is no stream
// consumer.
package ddbdocs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/attr"
	"github.com/add-eus/library/docdb/docquery"
	"github.com/add-eus/library/docdb/watch"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item attribute names.
const (
	AttrPK       = "pk"
	AttrSK       = "sk"
	AttrGroup    = "cid"
	AttrRevision = "rev"
	AttrDoc      = "doc"
)

// AWSDynamoClientV2 is the part of *dynamodb.Client the store calls.
type AWSDynamoClientV2 interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ AWSDynamoClientV2 = (*dynamodb.Client)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for background failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithConflictRetries sets how many times a read-modify-write is retried after losing a
// race with a concurrent writer. Defaults to 3.
func WithConflictRetries(n int) Option {
	return func(s *Store) { s.retries = n }
}

// Store is a DynamoDB-backed document store.
type Store struct {
	ddb     AWSDynamoClientV2
	table   string
	logger  *slog.Logger
	retries int
	hub     *watch.Hub

	// writeMu keeps commit order and publish order identical.
	writeMu sync.Mutex
}

var _ docdb.Client = (*Store)(nil)

// New returns a store over table. The table must have a string partition key named
// [AttrPK] and a string sort key named [AttrSK].
func New(ddb AWSDynamoClientV2, table string, opts ...Option) *Store {
	s := &Store{ddb: ddb, table: table, logger: slog.Default(), retries: 3}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = watch.NewHub(s.runBackground, s.loadBackground)
	return s
}

// Close stops every listener. The DynamoDB client is owned by the caller.
func (s *Store) Close() error {
	s.hub.Close()
	return nil
}

// TableName returns the table the store writes to.
func (s *Store) TableName() string {
	return s.table
}

func key(ref docdb.DocumentRef) attr.Item {
	return attr.Item{
		AttrPK: &types.AttributeValueMemberS{Value: ref.Collection},
		AttrSK: &types.AttributeValueMemberS{Value: ref.ID},
	}
}

func encodeItem(snap docdb.Snapshot, rev string) (attr.Item, error) {
	doc, err := attr.FromData(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", snap.Ref.Path(), err)
	}
	item := key(snap.Ref)
	item[AttrGroup] = &types.AttributeValueMemberS{Value: snap.Ref.Parent().ID()}
	item[AttrRevision] = &types.AttributeValueMemberS{Value: rev}
	item[AttrDoc] = &types.AttributeValueMemberM{Value: doc}
	return item, nil
}

// decodeItem returns the snapshot stored in item along with its revision.
func decodeItem(item attr.Item) (docdb.Snapshot, string, error) {
	pk, ok1 := item[AttrPK].(*types.AttributeValueMemberS)
	sk, ok2 := item[AttrSK].(*types.AttributeValueMemberS)
	if !ok1 || !ok2 {
		return docdb.Snapshot{}, "", fmt.Errorf("item without string keys")
	}
	ref := docdb.DocumentRef{Collection: pk.Value, ID: sk.Value}
	var rev string
	if r, ok := item[AttrRevision].(*types.AttributeValueMemberS); ok {
		rev = r.Value
	}
	data := docdb.Data{}
	if m, ok := item[AttrDoc].(*types.AttributeValueMemberM); ok {
		var err error
		data, err = attr.ToData(m.Value)
		if err != nil {
			return docdb.Snapshot{}, "", fmt.Errorf("decode %s: %w", ref.Path(), err)
		}
	}
	return docdb.Snapshot{Ref: ref, Data: data, Exists: true}, rev, nil
}

// Get reads one document with a strongly consistent read.
func (s *Store) Get(ctx context.Context, ref docdb.DocumentRef) (docdb.Snapshot, error) {
	snap, _, err := s.read(ctx, ref)
	return snap, err
}

func (s *Store) read(ctx context.Context, ref docdb.DocumentRef) (docdb.Snapshot, string, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(ref),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return docdb.Snapshot{}, "", fmt.Errorf("get item failed: %w", mapError(err, ref.Path()))
	}
	if len(out.Item) == 0 {
		return docdb.Snapshot{Ref: ref}, "", nil
	}
	return decodeItem(out.Item)
}

// GetAll runs a query. Filters, orderings and cursors are evaluated client side over the
// items of the collection; group queries scan the table.
func (s *Store) GetAll(ctx context.Context, q docdb.Query) ([]docdb.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	candidates, err := s.candidates(ctx, q)
	if err != nil {
		return nil, err
	}
	return docquery.Run(q, candidates)
}

// Count returns the number of documents matching q, ignoring its limit. Unfiltered
// collection counts are answered by DynamoDB without transferring items.
func (s *Store) Count(ctx context.Context, q docdb.Query) (int, error) {
	q.Limit = 0
	q.StartAfter = nil
	if q.Group || len(q.Filters) > 0 {
		docs, err := s.GetAll(ctx, q)
		if err != nil {
			return 0, err
		}
		return len(docs), nil
	}
	if err := q.Validate(); err != nil {
		return 0, err
	}
	input, err := s.queryInput(q.Collection)
	if err != nil {
		return 0, err
	}
	input.Select = types.SelectCount
	var n int
	for {
		out, err := s.ddb.Query(ctx, input)
		if err != nil {
			return 0, fmt.Errorf("count query failed: %w", mapError(err, q.Collection))
		}
		n += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return n, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) queryInput(collection string) (*dynamodb.QueryInput, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(AttrPK).Equal(expression.Value(collection))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}
	return &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}, nil
}

func (s *Store) candidates(ctx context.Context, q docdb.Query) ([]docdb.Snapshot, error) {
	var items []attr.Item
	if q.Group {
		expr, err := expression.NewBuilder().
			WithFilter(expression.Name(AttrGroup).Equal(expression.Value(q.Collection))).
			Build()
		if err != nil {
			return nil, fmt.Errorf("build group filter: %w", err)
		}
		input := &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ConsistentRead:            aws.Bool(true),
		}
		for {
			out, err := s.ddb.Scan(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("scan failed: %w", mapError(err, q.Collection))
			}
			items = append(items, out.Items...)
			if len(out.LastEvaluatedKey) == 0 {
				break
			}
			input.ExclusiveStartKey = out.LastEvaluatedKey
		}
	} else {
		input, err := s.queryInput(q.Collection)
		if err != nil {
			return nil, err
		}
		for {
			out, err := s.ddb.Query(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("query failed: %w", mapError(err, q.Collection))
			}
			items = append(items, out.Items...)
			if len(out.LastEvaluatedKey) == 0 {
				break
			}
			input.ExclusiveStartKey = out.LastEvaluatedKey
		}
	}

	snaps := make([]docdb.Snapshot, 0, len(items))
	for _, item := range items {
		snap, _, err := decodeItem(item)
		if err != nil {
			return nil, err
		}
		if q.MatchesCollection(snap.Ref.Collection) {
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

// The hub evaluates listeners outside any caller request.
func (s *Store) runBackground(q docdb.Query) ([]docdb.Snapshot, error) {
	return s.GetAll(context.Background(), q)
}

func (s *Store) loadBackground(ref docdb.DocumentRef) (docdb.Snapshot, error) {
	return s.Get(context.Background(), ref)
}

// OnSnapshot listens to one document.
func (s *Store) OnSnapshot(ref docdb.DocumentRef, onNext func(docdb.Snapshot), onError func(error)) func() {
	return s.hub.WatchDoc(ref, onNext, onError)
}

// OnQuerySnapshot listens to a query.
func (s *Store) OnQuerySnapshot(q docdb.Query, onNext func(docdb.QuerySnapshot), onError func(error)) func() {
	if err := q.Validate(); err != nil {
		return watch.Fail(err, onError)
	}
	return s.hub.WatchQuery(q, onNext, onError)
}
