package ddbdocs

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/add-eus/library/docdb/attr"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory table understanding the handful of expressions the store
// builds: attribute_not_exists on the partition key, equality on the revision, equality
// on the partition key for queries and on the group attribute for scans.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]attr.Item
	pageSize int

	// errs injects a failure per operation name.
	errs map[string]error
	// beforeGuardedPut runs with mu held before a put conditioned on a revision.
	beforeGuardedPut func(f *fakeDynamo)

	calls map[string]int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]attr.Item),
		pageSize: 2,
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func itemKey(item attr.Item) string {
	return stringAttr(item, AttrPK) + "\x00" + stringAttr(item, AttrSK)
}

func stringAttr(item attr.Item, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func onlyValue(values map[string]types.AttributeValue) string {
	for _, v := range values {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			return s.Value
		}
	}
	return ""
}

func (f *fakeDynamo) enter(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func (f *fakeDynamo) holds(cur attr.Item, cond *string, values map[string]types.AttributeValue) bool {
	expr := aws.ToString(cond)
	switch {
	case expr == "":
		return true
	case strings.Contains(expr, "attribute_not_exists"):
		return cur == nil
	default:
		return cur != nil && stringAttr(cur, AttrRevision) == onlyValue(values)
	}
}

func (f *fakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	k := itemKey(in.Item)
	guarded := in.ConditionExpression != nil && !strings.Contains(*in.ConditionExpression, "attribute_not_exists")
	if guarded && f.beforeGuardedPut != nil {
		f.beforeGuardedPut(f)
	}
	if !f.holds(f.items[k], in.ConditionExpression, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	k := itemKey(in.Key)
	if !f.holds(f.items[k], in.ConditionExpression, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

// page returns the items after start, at most pageSize of them, sorted by key.
func (f *fakeDynamo) page(match func(attr.Item) bool, start attr.Item) ([]attr.Item, attr.Item) {
	keys := make([]string, 0, len(f.items))
	for k, item := range f.items {
		if match(item) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if start != nil {
		after := itemKey(start)
		i := sort.SearchStrings(keys, after)
		if i < len(keys) && keys[i] == after {
			i++
		}
		keys = keys[i:]
	}
	var last attr.Item
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		last = key0(f.items[keys[len(keys)-1]])
	}
	out := make([]attr.Item, len(keys))
	for i, k := range keys {
		out[i] = f.items[k]
	}
	return out, last
}

func key0(item attr.Item) attr.Item {
	return attr.Item{AttrPK: item[AttrPK], AttrSK: item[AttrSK]}
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	pk := onlyValue(in.ExpressionAttributeValues)
	items, last := f.page(func(item attr.Item) bool { return stringAttr(item, AttrPK) == pk }, in.ExclusiveStartKey)
	out := &dynamodb.QueryOutput{Count: int32(len(items)), LastEvaluatedKey: last}
	if in.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	group := onlyValue(in.ExpressionAttributeValues)
	items, last := f.page(func(item attr.Item) bool { return stringAttr(item, AttrGroup) == group }, in.ExclusiveStartKey)
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		var ok bool
		switch {
		case ti.Put != nil:
			ok = f.holds(f.items[itemKey(ti.Put.Item)], ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues)
		case ti.Delete != nil:
			ok = f.holds(f.items[itemKey(ti.Delete.Key)], ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeValues)
		}
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.items[itemKey(ti.Put.Item)] = ti.Put.Item
		case ti.Delete != nil:
			delete(f.items, itemKey(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
