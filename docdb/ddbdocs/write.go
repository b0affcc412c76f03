package ddbdocs

import (
	"context"
	"errors"
	"fmt"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/docquery"
	"github.com/add-eus/library/docdb/watch"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxTransactItems is the number of actions DynamoDB accepts in one transaction.
const maxTransactItems = 100

// errConflict reports that a guarded item changed between its read and its write.
var errConflict = errors.New("concurrent modification")

// Create writes a new document.
func (s *Store) Create(ctx context.Context, ref docdb.DocumentRef, data docdb.Data) error {
	return s.commit(ctx, []docdb.Write{{Kind: docdb.WriteCreate, Ref: ref, Data: data}})
}

// Set replaces or merges a document.
func (s *Store) Set(ctx context.Context, ref docdb.DocumentRef, data docdb.Data, merge bool) error {
	kind := docdb.WriteSet
	if merge {
		kind = docdb.WriteMerge
	}
	return s.commit(ctx, []docdb.Write{{Kind: kind, Ref: ref, Data: data}})
}

// Update patches an existing document.
func (s *Store) Update(ctx context.Context, ref docdb.DocumentRef, data docdb.Data) error {
	return s.commit(ctx, []docdb.Write{{Kind: docdb.WriteUpdate, Ref: ref, Data: data}})
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, ref docdb.DocumentRef) error {
	return s.commit(ctx, []docdb.Write{{Kind: docdb.WriteDelete, Ref: ref}})
}

// NewBatch starts a write batch committed with TransactWriteItems.
func (s *Store) NewBatch() docdb.Batch {
	return &batch{store: s}
}

type batch struct {
	docdb.Writes
	store *Store
}

func (b *batch) Commit(ctx context.Context) error {
	return b.store.commit(ctx, b.List)
}

type guard int

const (
	guardNone guard = iota
	// guardAbsent requires the item not to exist.
	guardAbsent
	// guardRevision requires the item to still be at the revision that was read.
	guardRevision
)

// action is the final state of one item after a commit.
type action struct {
	next  docdb.Snapshot
	guard guard
	rev   string
}

func (a *action) condition() (*expression.Expression, error) {
	var cond expression.ConditionBuilder
	switch {
	case a.guard == guardNone:
		return nil, nil
	case a.guard == guardAbsent || a.rev == "":
		cond = expression.AttributeNotExists(expression.Name(AttrPK))
	default:
		cond = expression.Name(AttrRevision).Equal(expression.Value(a.rev))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("build condition: %w", err)
	}
	return &expr, nil
}

func (a *action) conditionFailed() error {
	if a.guard == guardAbsent {
		return docdb.Errorf(docdb.CodeAlreadyExists, a.next.Ref.Path(), "document already exists")
	}
	return errConflict
}

// commit applies writes atomically and publishes the results. Read-modify-write cycles
// that lose a race are planned again from fresh reads.
func (s *Store) commit(ctx context.Context, writes []docdb.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var actions []*action
	for attempt := 0; ; attempt++ {
		var err error
		actions, err = s.plan(ctx, writes)
		if err != nil {
			return err
		}
		if len(actions) > maxTransactItems {
			return docdb.Errorf(docdb.CodeInvalidArgument, "", "batch touches %d documents, at most %d allowed", len(actions), maxTransactItems)
		}
		err = s.write(ctx, actions)
		if err == nil {
			break
		}
		if !errors.Is(err, errConflict) {
			return err
		}
		if attempt >= s.retries {
			return docdb.Errorf(docdb.CodeUnavailable, actions[0].next.Ref.Path(), "gave up after %d attempts: %v", attempt+1, err)
		}
		s.logger.Debug("retrying conflicting write", "path", actions[0].next.Ref.Path(), "attempt", attempt+1)
	}

	changes := make([]watch.Change, len(actions))
	for i, a := range actions {
		changes[i] = watch.Change{Ref: a.next.Ref, After: a.next.Data, Exists: a.next.Exists}
	}
	s.hub.Publish(changes...)
	return nil
}

// plan folds the writes into one action per document. Documents whose first write depends
// on their current state are read first.
func (s *Store) plan(ctx context.Context, writes []docdb.Write) ([]*action, error) {
	byPath := make(map[string]*action)
	var order []*action
	for _, w := range writes {
		path := w.Ref.Path()
		a, ok := byPath[path]
		if !ok {
			a = &action{next: docdb.Snapshot{Ref: w.Ref}}
			switch w.Kind {
			case docdb.WriteUpdate, docdb.WriteMerge:
				cur, rev, err := s.read(ctx, w.Ref)
				if err != nil {
					return nil, err
				}
				a.next, a.rev, a.guard = cur, rev, guardRevision
			case docdb.WriteCreate:
				a.guard = guardAbsent
			}
			byPath[path] = a
			order = append(order, a)
		}
		next, err := docquery.Apply(w, a.next)
		if err != nil {
			return nil, err
		}
		a.next = next
	}
	return order, nil
}

func (s *Store) write(ctx context.Context, actions []*action) error {
	if len(actions) == 1 {
		return s.writeOne(ctx, actions[0])
	}

	items := make([]types.TransactWriteItem, len(actions))
	for i, a := range actions {
		cond, err := a.condition()
		if err != nil {
			return err
		}
		if a.next.Exists {
			item, err := encodeItem(a.next, docdb.NewID())
			if err != nil {
				return err
			}
			put := &types.Put{TableName: aws.String(s.table), Item: item}
			if cond != nil {
				put.ConditionExpression = cond.Condition()
				put.ExpressionAttributeNames = cond.Names()
				put.ExpressionAttributeValues = cond.Values()
			}
			items[i].Put = put
		} else {
			del := &types.Delete{TableName: aws.String(s.table), Key: key(a.next.Ref)}
			if cond != nil {
				del.ConditionExpression = cond.Condition()
				del.ExpressionAttributeNames = cond.Names()
				del.ExpressionAttributeValues = cond.Values()
			}
			items[i].Delete = del
		}
	}

	_, err := s.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, r := range canceled.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "ConditionalCheckFailed":
				if i < len(actions) {
					return actions[i].conditionFailed()
				}
			case "TransactionConflict":
				return errConflict
			}
		}
	}
	return fmt.Errorf("transact write items failed: %w", mapError(err, ""))
}

func (s *Store) writeOne(ctx context.Context, a *action) error {
	cond, err := a.condition()
	if err != nil {
		return err
	}
	if a.next.Exists {
		item, err := encodeItem(a.next, docdb.NewID())
		if err != nil {
			return err
		}
		input := &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}
		if cond != nil {
			input.ConditionExpression = cond.Condition()
			input.ExpressionAttributeNames = cond.Names()
			input.ExpressionAttributeValues = cond.Values()
		}
		_, err = s.ddb.PutItem(ctx, input)
		return s.writeError(a, "put item", err)
	}
	input := &dynamodb.DeleteItemInput{TableName: aws.String(s.table), Key: key(a.next.Ref)}
	if cond != nil {
		input.ConditionExpression = cond.Condition()
		input.ExpressionAttributeNames = cond.Names()
		input.ExpressionAttributeValues = cond.Values()
	}
	_, err = s.ddb.DeleteItem(ctx, input)
	return s.writeError(a, "delete item", err)
}

func (s *Store) writeError(a *action, op string, err error) error {
	if err == nil {
		return nil
	}
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return a.conditionFailed()
	}
	return fmt.Errorf("%s failed: %w", op, mapError(err, a.next.Ref.Path()))
}
