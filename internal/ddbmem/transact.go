package ddbmem

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const maxTransactItems = 100

// transactOp is one validated member of a transaction.
type transactOp struct {
	table  *table
	key    string
	item   map[string]types.AttributeValue // nil for deletes and checks
	remove bool
	cond   *expression
	names  map[string]string
	values map[string]types.AttributeValue
}

// TransactWriteItems applies all items or none. A failed condition cancels the
// whole batch with a reason per item.
func (s *Store) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.TransactItems) == 0 || len(in.TransactItems) > maxTransactItems {
		return nil, validationError("Member must have length less than or equal to %d and greater than or equal to 1", maxTransactItems)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := aws.ToString(in.ClientRequestToken)
	if token != "" && s.tokens[token] {
		return &dynamodb.TransactWriteItemsOutput{}, nil
	}

	ops := make([]transactOp, len(in.TransactItems))
	seen := make(map[string]bool)
	for i, ti := range in.TransactItems {
		op, err := s.transactOp(ti)
		if err != nil {
			return nil, err
		}
		target := op.table.name + "/" + op.key
		if seen[target] {
			return nil, validationError("Transaction request cannot include multiple operations on one item")
		}
		seen[target] = true
		ops[i] = op
	}

	// First pass checks every condition, second pass applies.
	reasons := make([]types.CancellationReason, len(ops))
	failed := false
	for i, op := range ops {
		if op.cond.matches(op.table.items[op.key], op.names, op.values) {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			continue
		}
		failed = true
		reasons[i] = types.CancellationReason{
			Code:    aws.String("ConditionalCheckFailed"),
			Message: aws.String("The conditional request failed"),
		}
	}
	if failed {
		codes := make([]string, len(reasons))
		for i, r := range reasons {
			codes[i] = aws.ToString(r.Code)
		}
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons [" + strings.Join(codes, ", ") + "]"),
			CancellationReasons: reasons,
		}
	}

	for _, op := range ops {
		switch {
		case op.remove:
			delete(op.table.items, op.key)
		case op.item != nil:
			op.table.items[op.key] = cloneItem(op.item)
		}
	}
	if token != "" {
		s.tokens[token] = true
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (s *Store) transactOp(ti types.TransactWriteItem) (transactOp, error) {
	var (
		op        transactOp
		tableName *string
		condExpr  *string
		key       map[string]types.AttributeValue
		members   int
	)
	if ti.Put != nil {
		members++
		tableName, condExpr = ti.Put.TableName, ti.Put.ConditionExpression
		op.item, op.names, op.values = ti.Put.Item, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
	}
	if ti.Delete != nil {
		members++
		tableName, condExpr, key = ti.Delete.TableName, ti.Delete.ConditionExpression, ti.Delete.Key
		op.remove, op.names, op.values = true, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
	}
	if ti.ConditionCheck != nil {
		members++
		tableName, condExpr, key = ti.ConditionCheck.TableName, ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.Key
		op.names, op.values = ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		if condExpr == nil {
			return op, validationError("ConditionCheck requires a ConditionExpression")
		}
	}
	if ti.Update != nil {
		return op, validationError("Update is not supported by the in-memory store")
	}
	if members != 1 {
		return op, validationError("TransactItems can only contain one of Check, Put, Update or Delete")
	}

	t, err := s.lookup(tableName)
	if err != nil {
		return op, err
	}
	op.table = t
	if op.item != nil {
		op.key, err = t.itemKey(op.item)
	} else {
		op.key, err = t.storageKey(key)
	}
	if err != nil {
		return op, err
	}

	op.cond, err = compile(condExpr, "ConditionExpression")
	if err != nil {
		return op, err
	}
	if err := checkPlaceholders(op.names, op.values, op.cond); err != nil {
		return op, err
	}
	return op, nil
}
