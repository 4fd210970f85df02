package kvtable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// Client is a typed client bound to one table and its index registry.
// In is the shape callers submit, Out the shape stored and returned; the
// parser maps one to the other on every write.
//
// A Client is immutable after New and safe for concurrent use.
type Client[In, Out any] struct {
	api     API
	table   string
	indexes Indexes
	primary Index
	ttlAttr string
	parse   Parser[In, Out]
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Client for cfg. The registry must contain PrimaryIndex.
func New[In, Out any](api API, cfg TableConfig, parse Parser[In, Out], opts ...Option) (*Client[In, Out], error) {
	if api == nil {
		return nil, fmt.Errorf("%w: nil API", ErrInvalidConfig)
	}
	if parse == nil {
		return nil, fmt.Errorf("%w: nil parser", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client[In, Out]{
		api:     api,
		table:   cfg.Name,
		indexes: cfg.Indexes,
		primary: cfg.Indexes[PrimaryIndex],
		ttlAttr: cfg.TTLAttribute,
		parse:   parse,
		logger:  o.logger.With().Str("table", cfg.Name).Logger(),
		now:     o.now,
	}, nil
}

// Table returns the table name.
func (c *Client[In, Out]) Table() string { return c.table }

// Index returns the named index and whether it is registered.
// An empty name selects the primary index.
func (c *Client[In, Out]) Index(name string) (Index, bool) {
	_, idx, err := c.indexes.lookup(name)
	return idx, err == nil
}

// Get retrieves one item by its primary key, returning ErrItemNotFound if it
// is missing or expired.
func (c *Client[In, Out]) Get(ctx context.Context, key Key, params Params) (Out, error) {
	var zero Out
	keyAV, err := resolveKey(c.primary, key)
	if err != nil {
		return zero, c.opError("get", key.String(), err)
	}
	desc := describeKey(keyAV)

	input := &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       keyAV,
	}
	if params.ConsistentRead {
		input.ConsistentRead = aws.Bool(true)
	}

	c.trace("get")
	result, err := c.api.GetItem(ctx, input)
	if err != nil {
		return zero, c.opError("get", desc, c.storeError("get", err))
	}
	if result.Item == nil || c.expiry().expired(result.Item) {
		return zero, c.opError("get", desc, ErrItemNotFound)
	}

	var item Out
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return zero, c.opError("get", desc, fmt.Errorf("unmarshal item: %w", err))
	}
	return item, nil
}

// Put validates item and writes it unconditionally, replacing any existing item.
// It returns the normalised item as written.
func (c *Client[In, Out]) Put(ctx context.Context, item In) (Out, error) {
	return c.PutIf(ctx, item, Condition{})
}

// PutIf validates item and writes it when cond holds against the stored item.
// A failed condition returns ErrConditionalWriteFailed.
func (c *Client[In, Out]) PutIf(ctx context.Context, item In, cond Condition) (Out, error) {
	out, av, err := c.prepare(item)
	if err != nil {
		var zero Out
		return zero, c.opError("put", "", err)
	}
	return c.putItem(ctx, "put", out, av, cond)
}

// Create writes item only if no live item with its primary key exists.
func (c *Client[In, Out]) Create(ctx context.Context, item In) (Out, error) {
	return c.conditionalPut(ctx, item, modeCreate)
}

// PutUpdate replaces item only if a live item with its primary key exists.
func (c *Client[In, Out]) PutUpdate(ctx context.Context, item In) (Out, error) {
	return c.conditionalPut(ctx, item, modePutUpdate)
}

func (c *Client[In, Out]) conditionalPut(ctx context.Context, item In, mode writeMode) (Out, error) {
	var zero Out
	out, av, err := c.prepare(item)
	if err != nil {
		return zero, c.opError(mode.String(), "", err)
	}
	cond, err := writeCondition(c.primary, av, mode, c.expiry())
	if err != nil {
		return zero, c.opError(mode.String(), "", err)
	}
	return c.putItem(ctx, mode.String(), out, av, cond)
}

func (c *Client[In, Out]) putItem(ctx context.Context, op string, out Out, av map[string]types.AttributeValue, cond Condition) (Out, error) {
	var zero Out
	desc := c.describeItem(av)

	input := &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	}
	if !cond.IsZero() {
		input.ConditionExpression = aws.String(cond.Expression)
		input.ExpressionAttributeNames = nilIfEmptyNames(cond.Names)
		input.ExpressionAttributeValues = nilIfEmptyValues(cond.Values)
	}

	c.trace(op)
	if _, err := c.api.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return zero, c.opError(op, desc, ErrConditionalWriteFailed)
		}
		return zero, c.opError(op, desc, c.storeError(op, err))
	}
	return out, nil
}

// Delete removes the item with the given key. Deleting a missing item succeeds.
func (c *Client[In, Out]) Delete(ctx context.Context, key Key) error {
	keyAV, err := resolveKey(c.primary, key)
	if err != nil {
		return c.opError("delete", key.String(), err)
	}

	c.trace("delete")
	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       keyAV,
	})
	if err != nil {
		return c.opError("delete", describeKey(keyAV), c.storeError("delete", err))
	}
	return nil
}

// prepare runs the parser and marshals its output.
func (c *Client[In, Out]) prepare(item In) (Out, map[string]types.AttributeValue, error) {
	var zero Out
	out, err := c.parse(item)
	if err != nil {
		return zero, nil, &ValidationError{Err: err}
	}
	av, err := attributevalue.MarshalMap(out)
	if err != nil {
		return zero, nil, fmt.Errorf("marshal item: %w", err)
	}
	return out, av, nil
}

func (c *Client[In, Out]) expiry() expiry {
	return expiry{attr: c.ttlAttr, now: c.now()}
}

func (c *Client[In, Out]) describeItem(av map[string]types.AttributeValue) string {
	key, err := itemKey(c.primary, av)
	if err != nil {
		return ""
	}
	return describeKey(key)
}

func (c *Client[In, Out]) unmarshalItems(raw []map[string]types.AttributeValue) ([]Out, error) {
	items := make([]Out, 0, len(raw))
	for _, r := range raw {
		var item Out
		if err := attributevalue.UnmarshalMap(r, &item); err != nil {
			return nil, fmt.Errorf("unmarshal item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Client[In, Out]) trace(op string) {
	c.logger.Debug().Str("op", op).Msg("dynamodb request")
}

func (c *Client[In, Out]) opError(op, key string, err error) error {
	return &OpError{Op: op, Table: c.table, Key: key, Err: err}
}

// storeError logs a failure reported by the store and marks it ErrStoreUnavailable.
func (c *Client[In, Out]) storeError(op string, err error) error {
	return wrapStoreError(c.logger, op, err)
}

func wrapStoreError(logger zerolog.Logger, op string, err error) error {
	ev := logger.Warn().Err(err).Str("op", op)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		ev = ev.Str("code", apiErr.ErrorCode())
	}
	ev.Msg("dynamodb request failed")
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
