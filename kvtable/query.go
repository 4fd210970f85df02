package kvtable

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Params carries the optional read parameters of a call.
type Params struct {
	// ConsistentRead requests a strongly consistent read. Default: eventually consistent.
	ConsistentRead bool

	// Limit caps the items evaluated per page. Zero means unbounded.
	// For QueryAll and ScanAll it bounds each page, not the total.
	Limit int32

	// ScanIndexForward sets query order by sort key. Nil means ascending.
	// Ignored by scans.
	ScanIndexForward *bool
}

// QueryOptions narrows a query. At most one sort key operator may be set; a
// field is considered set when it is non-nil.
type QueryOptions struct {
	// IndexName selects a registered index. Empty means PrimaryIndex.
	IndexName string

	// ExclusiveStartKey resumes after a previous page's LastKey.
	ExclusiveStartKey Cursor

	Eq         any
	Lt         any
	Lte        any
	Gt         any
	Gte        any
	BeginsWith any

	// Between holds [lower, upper], both inclusive.
	Between []any

	// Filter is applied by the store after the key condition.
	Filter *expression.ConditionBuilder
}

// ScanOptions narrows a scan.
type ScanOptions struct {
	// IndexName selects a registered index. Empty means PrimaryIndex.
	IndexName string

	// ExclusiveStartKey resumes after a previous page's LastKey.
	ExclusiveStartKey Cursor

	// Filter is applied by the store to every scanned item.
	Filter *expression.ConditionBuilder
}

// Page is one page of results. LastKey is nil on the final page.
type Page[T any] struct {
	Items   []T
	LastKey Cursor
}

// Query returns one page of items sharing the partition value, optionally
// narrowed by a sort key comparison.
func (c *Client[In, Out]) Query(ctx context.Context, partition any, opts QueryOptions, params Params) (Page[Out], error) {
	keyDesc := describeValue(partition)
	input, err := c.queryInput(partition, opts, params)
	if err != nil {
		return Page[Out]{}, c.opError("query", keyDesc, err)
	}

	c.trace("query")
	result, err := c.api.Query(ctx, input)
	if err != nil {
		return Page[Out]{}, c.opError("query", keyDesc, c.storeError("query", err))
	}
	items, err := c.unmarshalItems(result.Items)
	if err != nil {
		return Page[Out]{}, c.opError("query", keyDesc, err)
	}
	return Page[Out]{Items: items, LastKey: result.LastEvaluatedKey}, nil
}

// QueryAll follows LastKey until the store reports no more pages and returns
// every item in order. It starts from opts.ExclusiveStartKey when set.
func (c *Client[In, Out]) QueryAll(ctx context.Context, partition any, opts QueryOptions, params Params) ([]Out, error) {
	var items []Out
	for {
		page, err := c.Query(ctx, partition, opts, params)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		// Only an absent cursor ends the traversal; an empty one still continues.
		if page.LastKey == nil {
			return items, nil
		}
		opts.ExclusiveStartKey = page.LastKey
	}
}

func (c *Client[In, Out]) queryInput(partition any, opts QueryOptions, params Params) (*dynamodb.QueryInput, error) {
	name, idx, err := c.indexes.lookup(opts.IndexName)
	if err != nil {
		return nil, err
	}
	skCond, err := sortKeyCondition(idx, opts)
	if err != nil {
		return nil, err
	}
	keyCond, err := partitionCondition(idx, partition)
	if err != nil {
		return nil, err
	}
	if !skCond.IsZero() {
		keyCond = Condition{
			Expression: keyCond.Expression + " AND " + skCond.Expression,
			Names:      mergeExprNames(keyCond.Names, skCond.Names),
			Values:     mergeExprValues(keyCond.Values, skCond.Values),
		}
	}
	filter, err := filterCondition(opts.Filter, c.expiry())
	if err != nil {
		return nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(c.table),
		KeyConditionExpression:    aws.String(keyCond.Expression),
		ExpressionAttributeNames:  mergeExprNames(keyCond.Names, filter.Names),
		ExpressionAttributeValues: mergeExprValues(keyCond.Values, filter.Values),
		ExclusiveStartKey:         opts.ExclusiveStartKey,
	}
	if !filter.IsZero() {
		input.FilterExpression = aws.String(filter.Expression)
	}
	if name != PrimaryIndex {
		input.IndexName = aws.String(name)
	}
	if params.ConsistentRead {
		input.ConsistentRead = aws.Bool(true)
	}
	if params.Limit > 0 {
		input.Limit = aws.Int32(params.Limit)
	}
	if params.ScanIndexForward != nil {
		input.ScanIndexForward = params.ScanIndexForward
	}
	return input, nil
}

// Scan returns one page of items from the table or a secondary index.
func (c *Client[In, Out]) Scan(ctx context.Context, opts ScanOptions, params Params) (Page[Out], error) {
	input, err := c.scanInput(opts, params)
	if err != nil {
		return Page[Out]{}, c.opError("scan", "", err)
	}

	c.trace("scan")
	result, err := c.api.Scan(ctx, input)
	if err != nil {
		return Page[Out]{}, c.opError("scan", "", c.storeError("scan", err))
	}
	items, err := c.unmarshalItems(result.Items)
	if err != nil {
		return Page[Out]{}, c.opError("scan", "", err)
	}
	return Page[Out]{Items: items, LastKey: result.LastEvaluatedKey}, nil
}

// ScanAll follows LastKey until the store reports no more pages and returns
// every item in order. It starts from opts.ExclusiveStartKey when set.
func (c *Client[In, Out]) ScanAll(ctx context.Context, opts ScanOptions, params Params) ([]Out, error) {
	var items []Out
	for {
		page, err := c.Scan(ctx, opts, params)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.LastKey == nil {
			return items, nil
		}
		opts.ExclusiveStartKey = page.LastKey
	}
}

func (c *Client[In, Out]) scanInput(opts ScanOptions, params Params) (*dynamodb.ScanInput, error) {
	name, _, err := c.indexes.lookup(opts.IndexName)
	if err != nil {
		return nil, err
	}
	filter, err := filterCondition(opts.Filter, c.expiry())
	if err != nil {
		return nil, err
	}

	input := &dynamodb.ScanInput{
		TableName:         aws.String(c.table),
		ExclusiveStartKey: opts.ExclusiveStartKey,
	}
	if !filter.IsZero() {
		input.FilterExpression = aws.String(filter.Expression)
		input.ExpressionAttributeNames = nilIfEmptyNames(filter.Names)
		input.ExpressionAttributeValues = nilIfEmptyValues(filter.Values)
	}
	if name != PrimaryIndex {
		input.IndexName = aws.String(name)
	}
	if params.ConsistentRead {
		input.ConsistentRead = aws.Bool(true)
	}
	if params.Limit > 0 {
		input.Limit = aws.Int32(params.Limit)
	}
	return input, nil
}
