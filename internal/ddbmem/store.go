// Package ddbmem is an in-memory DynamoDB for tests and local runs.
//
// It implements the item, query, scan and transaction calls used by kvtable
// with DynamoDB's condition semantics: condition, key condition and filter
// expressions are parsed and evaluated, placeholders must be defined and used,
// Limit counts items before filtering, and transactions are all-or-nothing
// with per-item cancellation reasons. Projections, update expressions and
// capacity accounting are not supported.
package ddbmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// keySchema names the hash and optional range attribute of a table or index.
type keySchema struct {
	hash string
	rng  string
}

type indexDef struct {
	keySchema
	global bool
}

type table struct {
	name    string
	key     keySchema
	indexes map[string]indexDef
	items   map[string]map[string]types.AttributeValue
}

// Store is an in-memory DynamoDB. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	tables   map[string]*table
	tokens   map[string]bool
	pageSize int32
}

// Option configures a Store.
type Option func(*Store)

// WithPageSize caps every query and scan page at n items, as if the store
// hit its response size limit. Zero disables the cap.
func WithPageSize(n int32) Option {
	return func(s *Store) {
		s.pageSize = n
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string]*table),
		tokens: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validationError(format string, args ...any) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationException",
		Message: fmt.Sprintf(format, args...),
		Fault:   smithy.FaultClient,
	}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

// CreateTable registers a table with its key schema and secondary indexes.
func (s *Store) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := aws.ToString(in.TableName)
	if name == "" {
		return nil, validationError("TableName is required")
	}
	key, err := parseKeySchema(in.KeySchema)
	if err != nil {
		return nil, err
	}

	t := &table{
		name:    name,
		key:     key,
		indexes: make(map[string]indexDef),
		items:   make(map[string]map[string]types.AttributeValue),
	}
	for _, gsi := range in.GlobalSecondaryIndexes {
		ks, err := parseKeySchema(gsi.KeySchema)
		if err != nil {
			return nil, err
		}
		t.indexes[aws.ToString(gsi.IndexName)] = indexDef{keySchema: ks, global: true}
	}
	for _, lsi := range in.LocalSecondaryIndexes {
		ks, err := parseKeySchema(lsi.KeySchema)
		if err != nil {
			return nil, err
		}
		if ks.hash != key.hash {
			return nil, validationError("local secondary index %s must use the table hash key", aws.ToString(lsi.IndexName))
		}
		t.indexes[aws.ToString(lsi.IndexName)] = indexDef{keySchema: ks}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tables[name]; exists {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists: " + name)}
	}
	s.tables[name] = t

	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{
			TableName:   aws.String(name),
			TableStatus: types.TableStatusActive,
			KeySchema:   in.KeySchema,
		},
	}, nil
}

// DeleteTable drops a table and its items.
func (s *Store) DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(in.TableName)
	if _, ok := s.tables[name]; !ok {
		return nil, notFound(name)
	}
	delete(s.tables, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

func parseKeySchema(elems []types.KeySchemaElement) (keySchema, error) {
	var ks keySchema
	for _, e := range elems {
		switch e.KeyType {
		case types.KeyTypeHash:
			ks.hash = aws.ToString(e.AttributeName)
		case types.KeyTypeRange:
			ks.rng = aws.ToString(e.AttributeName)
		}
	}
	if ks.hash == "" {
		return ks, validationError("key schema requires a HASH key")
	}
	return ks, nil
}

func notFound(name string) error {
	return &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + name + " not found")}
}

// lookup returns the table; callers hold the lock.
func (s *Store) lookup(name *string) (*table, error) {
	t, ok := s.tables[aws.ToString(name)]
	if !ok {
		return nil, notFound(aws.ToString(name))
	}
	return t, nil
}

// storageKey validates that key holds exactly the table's key attributes.
func (t *table) storageKey(key map[string]types.AttributeValue) (string, error) {
	want := 1
	if t.key.rng != "" {
		want = 2
	}
	if len(key) != want {
		return "", validationError("The provided key element does not match the schema")
	}
	return t.itemKey(key)
}

// itemKey encodes the primary key found in item.
func (t *table) itemKey(item map[string]types.AttributeValue) (string, error) {
	hv, ok := item[t.key.hash]
	if !ok {
		return "", validationError("One or more parameter values were invalid: Missing the key %s in the item", t.key.hash)
	}
	h, err := keyString(hv)
	if err != nil {
		return "", validationError("One or more parameter values were invalid: %v for key %s", err, t.key.hash)
	}
	if t.key.rng == "" {
		return h, nil
	}
	rv, ok := item[t.key.rng]
	if !ok {
		return "", validationError("One or more parameter values were invalid: Missing the key %s in the item", t.key.rng)
	}
	r, err := keyString(rv)
	if err != nil {
		return "", validationError("One or more parameter values were invalid: %v for key %s", err, t.key.rng)
	}
	return h + "|" + r, nil
}

// schema returns the key schema addressed by indexName.
func (t *table) schema(indexName *string) (keySchema, bool, error) {
	if indexName == nil {
		return t.key, false, nil
	}
	idx, ok := t.indexes[*indexName]
	if !ok {
		return keySchema{}, false, validationError("The table does not have the specified index: %s", *indexName)
	}
	return idx.keySchema, idx.global, nil
}

// keyAttrs projects the attributes that make up a LastEvaluatedKey.
func (t *table) keyAttrs(ks keySchema, item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, 4)
	for _, name := range []string{t.key.hash, t.key.rng, ks.hash, ks.rng} {
		if name == "" {
			continue
		}
		if v, ok := item[name]; ok {
			out[name] = v
		}
	}
	return out
}

// ordered returns the items present in the index sorted by index key then primary key.
func (t *table) ordered(ks keySchema) []map[string]types.AttributeValue {
	var items []map[string]types.AttributeValue
	for _, item := range t.items {
		if _, ok := item[ks.hash]; !ok {
			continue
		}
		if ks.rng != "" {
			if _, ok := item[ks.rng]; !ok {
				continue
			}
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return t.compareOrder(ks, items[i], items[j]) < 0
	})
	return items
}

func (t *table) compareOrder(ks keySchema, a, b map[string]types.AttributeValue) int {
	for _, name := range []string{ks.hash, ks.rng, t.key.hash, t.key.rng} {
		if name == "" {
			continue
		}
		av, aok := a[name]
		bv, bok := b[name]
		switch {
		case !aok && !bok:
			continue
		case !aok:
			return -1
		case !bok:
			return 1
		}
		if cmp, ok := compareValues(av, bv); ok && cmp != 0 {
			return cmp
		}
	}
	return 0
}

// checkPlaceholders enforces DynamoDB's rules on expression attribute maps.
func checkPlaceholders(names map[string]string, values map[string]types.AttributeValue, exprs ...*expression) error {
	if names != nil && len(names) == 0 {
		return validationError("ExpressionAttributeNames must not be empty")
	}
	if values != nil && len(values) == 0 {
		return validationError("ExpressionAttributeValues must not be empty")
	}
	usedNames := map[string]bool{}
	usedValues := map[string]bool{}
	for _, e := range exprs {
		if e == nil {
			continue
		}
		for n := range e.names {
			usedNames[n] = true
		}
		for v := range e.values {
			usedValues[v] = true
		}
	}
	for n := range usedNames {
		if _, ok := names[n]; !ok {
			return validationError("An expression attribute name used in the document path is not defined; attribute name: %s", n)
		}
	}
	for v := range usedValues {
		if _, ok := values[v]; !ok {
			return validationError("An expression attribute value used in expression is not defined; attribute value: %s", v)
		}
	}
	for n := range names {
		if !usedNames[n] {
			return validationError("Value provided in ExpressionAttributeNames unused in expressions: keys: {%s}", n)
		}
	}
	for v := range values {
		if !usedValues[v] {
			return validationError("Value provided in ExpressionAttributeValues unused in expressions: keys: {%s}", v)
		}
	}
	return nil
}

func compile(expr *string, what string) (*expression, error) {
	if expr == nil {
		return nil, nil
	}
	e, err := parseExpression(*expr)
	if err != nil {
		return nil, validationError("Invalid %s: %v", what, err)
	}
	return e, nil
}

// GetItem returns the item with the given key.
func (s *Store) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.storageKey(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(t.items[k])}, nil
}

// PutItem writes an item, evaluating ConditionExpression against the stored one.
func (s *Store) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cond, err := compile(in.ConditionExpression, "ConditionExpression")
	if err != nil {
		return nil, err
	}
	if err := checkPlaceholders(in.ExpressionAttributeNames, in.ExpressionAttributeValues, cond); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.itemKey(in.Item)
	if err != nil {
		return nil, err
	}
	if !cond.matches(t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	t.items[k] = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// DeleteItem removes an item. Deleting a missing item succeeds.
func (s *Store) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cond, err := compile(in.ConditionExpression, "ConditionExpression")
	if err != nil {
		return nil, err
	}
	if err := checkPlaceholders(in.ExpressionAttributeNames, in.ExpressionAttributeValues, cond); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.storageKey(in.Key)
	if err != nil {
		return nil, err
	}
	if !cond.matches(t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query returns items of one partition in sort key order.
func (s *Store) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == nil {
		return nil, validationError("Either the KeyConditions or KeyConditionExpression parameter must be specified in the request.")
	}
	keyCond, err := compile(in.KeyConditionExpression, "KeyConditionExpression")
	if err != nil {
		return nil, err
	}
	filter, err := compile(in.FilterExpression, "FilterExpression")
	if err != nil {
		return nil, err
	}
	if err := checkPlaceholders(in.ExpressionAttributeNames, in.ExpressionAttributeValues, keyCond, filter); err != nil {
		return nil, err
	}
	if err := keyCond.checkRanges("KeyConditionExpression", in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	if err := filter.checkRanges("FilterExpression", in.ExpressionAttributeValues); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	ks, global, err := t.schema(in.IndexName)
	if err != nil {
		return nil, err
	}
	if global && aws.ToBool(in.ConsistentRead) {
		return nil, validationError("Consistent reads are not supported on global secondary indexes")
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.ordered(ks) {
		if keyCond.matches(item, in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
			matched = append(matched, item)
		}
	}
	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	if !forward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	items, last, err := s.page(t, ks, matched, in.ExclusiveStartKey, forward, in.Limit, filter, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{
		Items:            items,
		Count:            int32(len(items)),
		LastEvaluatedKey: last,
	}, nil
}

// Scan returns every item of the table or index in key order.
func (s *Store) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter, err := compile(in.FilterExpression, "FilterExpression")
	if err != nil {
		return nil, err
	}
	if err := checkPlaceholders(in.ExpressionAttributeNames, in.ExpressionAttributeValues, filter); err != nil {
		return nil, err
	}
	if err := filter.checkRanges("FilterExpression", in.ExpressionAttributeValues); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	ks, global, err := t.schema(in.IndexName)
	if err != nil {
		return nil, err
	}
	if global && aws.ToBool(in.ConsistentRead) {
		return nil, validationError("Consistent reads are not supported on global secondary indexes")
	}

	items, last, err := s.page(t, ks, t.ordered(ks), in.ExclusiveStartKey, true, in.Limit, filter, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{
		Items:            items,
		Count:            int32(len(items)),
		ScannedCount:     int32(len(items)),
		LastEvaluatedKey: last,
	}, nil
}

// page applies ExclusiveStartKey, Limit and the filter to ordered items.
// LastEvaluatedKey is set only when items remain after the page.
func (s *Store) page(
	t *table,
	ks keySchema,
	ordered []map[string]types.AttributeValue,
	start map[string]types.AttributeValue,
	forward bool,
	limit *int32,
	filter *expression,
	names map[string]string,
	values map[string]types.AttributeValue,
) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	from := 0
	if start != nil {
		if len(start) == 0 {
			return nil, nil, validationError("The provided starting key is invalid: The provided key element does not match the schema")
		}
		from = len(ordered)
		for i, item := range ordered {
			cmp := t.compareOrder(ks, item, start)
			if (forward && cmp > 0) || (!forward && cmp < 0) {
				from = i
				break
			}
		}
	}

	n := int32(len(ordered) - from)
	if limit != nil {
		if *limit <= 0 {
			return nil, nil, validationError("Limit must be greater than or equal to 1")
		}
		n = min(n, *limit)
	}
	if s.pageSize > 0 {
		n = min(n, s.pageSize)
	}

	evaluated := ordered[from : from+int(n)]
	var last map[string]types.AttributeValue
	if from+int(n) < len(ordered) && len(evaluated) > 0 {
		last = t.keyAttrs(ks, evaluated[len(evaluated)-1])
	}

	items := make([]map[string]types.AttributeValue, 0, len(evaluated))
	for _, item := range evaluated {
		if filter.matches(item, names, values) {
			items = append(items, cloneItem(item))
		}
	}
	return items, last, nil
}
