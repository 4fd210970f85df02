package kvtable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MaxTransactionItems is the largest batch a single transaction accepts.
const MaxTransactionItems = 100

// TransactItem is one member of an atomic batch: *TxPut or *TxDelete.
// Items carry their own table, so items built by different clients may be
// committed together.
type TransactItem interface {
	transactItem()
}

// TxPut writes an item, optionally guarded by a condition.
type TxPut struct {
	Table     string
	Item      map[string]types.AttributeValue
	Condition Condition

	key string
}

// TxDelete removes the item with Key.
type TxDelete struct {
	Table string
	Key   map[string]types.AttributeValue
}

func (*TxPut) transactItem()    {}
func (*TxDelete) transactItem() {}

// Tx builds transaction items for a client's table and commits batches.
type Tx[In, Out any] struct {
	c *Client[In, Out]
}

// Transaction returns the transaction builder of c.
func (c *Client[In, Out]) Transaction() Tx[In, Out] {
	return Tx[In, Out]{c: c}
}

// Put returns an unconditional put of item. Nothing is written until Run.
func (t Tx[In, Out]) Put(item In) (*TxPut, error) {
	_, av, err := t.c.prepare(item)
	if err != nil {
		return nil, t.c.opError("transaction put", "", err)
	}
	return &TxPut{Table: t.c.table, Item: av, key: t.c.describeItem(av)}, nil
}

// Create returns a put that fails the batch if the item already exists.
func (t Tx[In, Out]) Create(item In) (*TxPut, error) {
	return t.conditionalPut(item, modeCreate)
}

// PutUpdate returns a put that fails the batch unless the item exists.
func (t Tx[In, Out]) PutUpdate(item In) (*TxPut, error) {
	return t.conditionalPut(item, modePutUpdate)
}

func (t Tx[In, Out]) conditionalPut(item In, mode writeMode) (*TxPut, error) {
	op := "transaction " + mode.String()
	_, av, err := t.c.prepare(item)
	if err != nil {
		return nil, t.c.opError(op, "", err)
	}
	cond, err := writeCondition(t.c.primary, av, mode, t.c.expiry())
	if err != nil {
		return nil, t.c.opError(op, "", err)
	}
	return &TxPut{Table: t.c.table, Item: av, Condition: cond, key: t.c.describeItem(av)}, nil
}

// Delete returns a delete of the item with key.
func (t Tx[In, Out]) Delete(key Key) (*TxDelete, error) {
	keyAV, err := resolveKey(t.c.primary, key)
	if err != nil {
		return nil, t.c.opError("transaction delete", key.String(), err)
	}
	return &TxDelete{Table: t.c.table, Key: keyAV}, nil
}

// Run commits items atomically: all are applied or none. A failed condition
// returns a *TransactionError naming the failing item when the store reports it.
// Running no items is a no-op.
func (t Tx[In, Out]) Run(ctx context.Context, items ...TransactItem) error {
	return t.run(ctx, "", items)
}

// RunIdempotent is Run with a client request token. Retrying with the same
// token and items within the store's idempotency window applies them once.
func (t Tx[In, Out]) RunIdempotent(ctx context.Context, token string, items ...TransactItem) error {
	return t.run(ctx, token, items)
}

func (t Tx[In, Out]) run(ctx context.Context, token string, items []TransactItem) error {
	if len(items) == 0 {
		return nil
	}
	tables := batchTables(items)
	if len(items) > MaxTransactionItems {
		return &OpError{Op: "transaction", Table: tables, Err: fmt.Errorf("%w: %d > %d", ErrTransactionTooLarge, len(items), MaxTransactionItems)}
	}

	writes := make([]types.TransactWriteItem, len(items))
	for i, item := range items {
		w, err := toTransactWriteItem(item)
		if err != nil {
			return &OpError{Op: "transaction", Table: tables, Err: fmt.Errorf("item %d: %w", i, err)}
		}
		writes[i] = w
	}

	input := &dynamodb.TransactWriteItemsInput{TransactItems: writes}
	if token != "" {
		input.ClientRequestToken = aws.String(token)
	}

	t.c.logger.Debug().Str("op", "transaction").Int("items", len(items)).Msg("dynamodb request")
	_, err := t.c.api.TransactWriteItems(ctx, input)
	return t.mapTransactionError(err, items, tables)
}

func toTransactWriteItem(item TransactItem) (types.TransactWriteItem, error) {
	switch v := item.(type) {
	case *TxPut:
		if v == nil {
			break
		}
		put := &types.Put{
			TableName: aws.String(v.Table),
			Item:      v.Item,
		}
		if !v.Condition.IsZero() {
			put.ConditionExpression = aws.String(v.Condition.Expression)
			put.ExpressionAttributeNames = nilIfEmptyNames(v.Condition.Names)
			put.ExpressionAttributeValues = nilIfEmptyValues(v.Condition.Values)
		}
		return types.TransactWriteItem{Put: put}, nil
	case *TxDelete:
		if v == nil {
			break
		}
		return types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(v.Table),
				Key:       v.Key,
			},
		}, nil
	}
	return types.TransactWriteItem{}, errors.New("kvtable: nil transaction item")
}

// mapTransactionError maps a cancelled transaction to the first item whose
// condition failed.
func (t Tx[In, Out]) mapTransactionError(err error, items []TransactItem, tables string) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i < len(items) {
				table, key := itemTarget(items[i])
				return &OpError{
					Op:    "transaction",
					Table: table,
					Key:   key,
					Err:   &TransactionError{Index: i, Reasons: txErr.CancellationReasons, Cause: err},
				}
			}
		}
		if len(txErr.CancellationReasons) == 0 && strings.Contains(txErr.ErrorMessage(), "ConditionalCheckFailed") {
			return &OpError{Op: "transaction", Table: tables, Err: &TransactionError{Index: -1, Cause: err}}
		}
	}

	return &OpError{Op: "transaction", Table: tables, Err: t.c.storeError("transaction", err)}
}

func itemTarget(item TransactItem) (table, key string) {
	switch v := item.(type) {
	case *TxPut:
		if v != nil {
			return v.Table, v.key
		}
	case *TxDelete:
		if v != nil {
			return v.Table, describeKey(v.Key)
		}
	}
	return "", ""
}

// batchTables lists the distinct tables of a batch for error context.
func batchTables(items []TransactItem) string {
	seen := make(map[string]bool)
	var tables []string
	for _, item := range items {
		table, _ := itemTarget(item)
		if table != "" && !seen[table] {
			seen[table] = true
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	return strings.Join(tables, ",")
}
