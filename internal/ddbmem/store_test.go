package ddbmem

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v int) types.AttributeValue { return &types.AttributeValueMemberN{Value: strconv.Itoa(v)} }

func newTable(t *testing.T, store *Store, name, hash, rng string, gsis ...types.GlobalSecondaryIndex) {
	t.Helper()
	schema := []types.KeySchemaElement{{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash}}
	if rng != "" {
		schema = append(schema, types.KeySchemaElement{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange})
	}
	_, err := store.CreateTable(context.Background(), &dynamodb.CreateTableInput{
		TableName:              aws.String(name),
		KeySchema:              schema,
		GlobalSecondaryIndexes: gsis,
	})
	require.NoError(t, err)
}

func put(t *testing.T, store *Store, table string, item map[string]types.AttributeValue) {
	t.Helper()
	_, err := store.PutItem(context.Background(), &dynamodb.PutItemInput{TableName: aws.String(table), Item: item})
	require.NoError(t, err)
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func TestCreateTable_Duplicate(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")

	_, err := store.CreateTable(context.Background(), &dynamodb.CreateTableInput{
		TableName: aws.String("things"),
		KeySchema: []types.KeySchemaElement{{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash}},
	})
	var inUse *types.ResourceInUseException
	assert.ErrorAs(t, err, &inUse)
}

func TestGetItem_UnknownTable(t *testing.T) {
	_, err := New().GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("missing"),
		Key:       map[string]types.AttributeValue{"id": s("a")},
	})
	var nf *types.ResourceNotFoundException
	assert.ErrorAs(t, err, &nf)
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")
	put(t, store, "things", map[string]types.AttributeValue{"id": s("a"), "v": n(1)})

	out, err := store.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("things"),
		Key:       map[string]types.AttributeValue{"id": s("a")},
	})
	require.NoError(t, err)
	assert.Equal(t, n(1), out.Item["v"])

	out, err = store.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("things"),
		Key:       map[string]types.AttributeValue{"id": s("b")},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Item)
}

func TestGetItem_KeyMustMatchSchema(t *testing.T) {
	store := New()
	newTable(t, store, "events", "id", "ts")

	_, err := store.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("events"),
		Key:       map[string]types.AttributeValue{"id": s("a")},
	})
	assert.Equal(t, "ValidationException", apiCode(err))
}

func TestPutItem_Conditions(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")
	ctx := context.Background()

	create := func(v int) error {
		_, err := store.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String("things"),
			Item:                     map[string]types.AttributeValue{"id": s("a"), "v": n(v)},
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": "id"},
		})
		return err
	}
	require.NoError(t, create(1))

	var condErr *types.ConditionalCheckFailedException
	assert.ErrorAs(t, create(2), &condErr)

	_, err := store.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String("things"),
		Item:                      map[string]types.AttributeValue{"id": s("a"), "v": n(3)},
		ConditionExpression:       aws.String("#pk = :pk AND #v < :max"),
		ExpressionAttributeNames:  map[string]string{"#pk": "id", "#v": "v"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": s("a"), ":max": n(10)},
	})
	require.NoError(t, err)
}

func TestPutItem_PlaceholderRules(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")
	item := map[string]types.AttributeValue{"id": s("a")}

	tests := []struct {
		name   string
		cond   *string
		names  map[string]string
		values map[string]types.AttributeValue
	}{
		{"unused value", aws.String("attribute_not_exists(#pk)"), map[string]string{"#pk": "id"}, map[string]types.AttributeValue{":x": n(1)}},
		{"undefined name", aws.String("attribute_not_exists(#pk)"), nil, nil},
		{"empty values map", aws.String("attribute_not_exists(#pk)"), map[string]string{"#pk": "id"}, map[string]types.AttributeValue{}},
		{"reserved word", aws.String("attribute_not_exists(name)"), nil, nil},
		{"syntax error", aws.String("#pk = "), map[string]string{"#pk": "id"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.PutItem(context.Background(), &dynamodb.PutItemInput{
				TableName:                 aws.String("things"),
				Item:                      item,
				ConditionExpression:       tt.cond,
				ExpressionAttributeNames:  tt.names,
				ExpressionAttributeValues: tt.values,
			})
			assert.Equal(t, "ValidationException", apiCode(err))
		})
	}
}

func TestDeleteItem_MissingIsNoop(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")

	_, err := store.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String("things"),
		Key:       map[string]types.AttributeValue{"id": s("nope")},
	})
	assert.NoError(t, err)
}

func seedEvents(t *testing.T, store *Store) {
	t.Helper()
	newTable(t, store, "events", "id", "ts")
	for ts := 1; ts <= 30; ts++ {
		put(t, store, "events", map[string]types.AttributeValue{"id": s("x1"), "ts": n(ts), "kind": s("k" + strconv.Itoa(ts%3))})
	}
	put(t, store, "events", map[string]types.AttributeValue{"id": s("x2"), "ts": n(15)})
}

func queryTS(out *dynamodb.QueryOutput) []string {
	var got []string
	for _, item := range out.Items {
		got = append(got, item["ts"].(*types.AttributeValueMemberN).Value)
	}
	return got
}

func TestQuery_BetweenNumericOrder(t *testing.T) {
	store := New()
	seedEvents(t, store)

	out, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                aws.String("events"),
		KeyConditionExpression:   aws.String("#pk = :pk AND #sk BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{"#pk": "id", "#sk": "ts"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": s("x1"), ":lo": n(8), ":hi": n(11),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"8", "9", "10", "11"}, queryTS(out))
	assert.Nil(t, out.LastEvaluatedKey)
}

func TestQuery_BetweenReversedBounds(t *testing.T) {
	store := New()
	seedEvents(t, store)

	_, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                aws.String("events"),
		KeyConditionExpression:   aws.String("#pk = :pk AND #sk BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{"#pk": "id", "#sk": "ts"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": s("x1"), ":lo": n(8), ":hi": n(2),
		},
	})
	require.Error(t, err)
	assert.Equal(t, "ValidationException", apiCode(err))

	// Equal bounds select a single sort key.
	out, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                aws.String("events"),
		KeyConditionExpression:   aws.String("#pk = :pk AND #sk BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{"#pk": "id", "#sk": "ts"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": s("x1"), ":lo": n(5), ":hi": n(5),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, queryTS(out))
}

func TestScan_FilterBetweenReversedBounds(t *testing.T) {
	store := New()
	seedEvents(t, store)

	_, err := store.Scan(context.Background(), &dynamodb.ScanInput{
		TableName:        aws.String("events"),
		FilterExpression: aws.String("kind BETWEEN :lo AND :hi"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lo": s("k2"), ":hi": s("k0"),
		},
	})
	assert.Equal(t, "ValidationException", apiCode(err))
}

func TestQuery_Descending(t *testing.T) {
	store := New()
	seedEvents(t, store)

	out, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String("events"),
		KeyConditionExpression:    aws.String("#pk = :pk AND #sk >= :v"),
		ExpressionAttributeNames:  map[string]string{"#pk": "id", "#sk": "ts"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": s("x1"), ":v": n(28)},
		ScanIndexForward:          aws.Bool(false),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"30", "29", "28"}, queryTS(out))
}

func TestQuery_PagesWithLimitAndFilter(t *testing.T) {
	store := New()
	seedEvents(t, store)
	ctx := context.Background()

	input := &dynamodb.QueryInput{
		TableName:                 aws.String("events"),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		FilterExpression:          aws.String("kind = :k"),
		ExpressionAttributeNames:  map[string]string{"#pk": "id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": s("x1"), ":k": s("k0")},
		Limit:                     aws.Int32(10),
	}

	var all []string
	pages := 0
	for {
		out, err := store.Query(ctx, input)
		require.NoError(t, err)
		pages++
		// Limit counts evaluated items, so a page holds fewer than 10 matches.
		assert.LessOrEqual(t, len(out.Items), 10)
		all = append(all, queryTS(out)...)
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"3", "6", "9", "12", "15", "18", "21", "24", "27", "30"}, all)
}

func TestQuery_EmptyStartKeyRejected(t *testing.T) {
	store := New()
	seedEvents(t, store)

	_, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String("events"),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": "id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": s("x1")},
		ExclusiveStartKey:         map[string]types.AttributeValue{},
	})
	assert.Equal(t, "ValidationException", apiCode(err))
}

func TestQuery_GlobalIndex(t *testing.T) {
	store := New()
	newTable(t, store, "tenders", "tenderId", "", types.GlobalSecondaryIndex{
		IndexName: aws.String("byBuyer"),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("buyer"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("createdAt"), KeyType: types.KeyTypeRange},
		},
	})
	put(t, store, "tenders", map[string]types.AttributeValue{"tenderId": s("t2"), "buyer": s("b1"), "createdAt": s("2024-02")})
	put(t, store, "tenders", map[string]types.AttributeValue{"tenderId": s("t1"), "buyer": s("b1"), "createdAt": s("2024-01")})
	put(t, store, "tenders", map[string]types.AttributeValue{"tenderId": s("t3")}) // not in the index

	input := &dynamodb.QueryInput{
		TableName:                 aws.String("tenders"),
		IndexName:                 aws.String("byBuyer"),
		KeyConditionExpression:    aws.String("#pk = :pk AND begins_with(#sk, :sk)"),
		ExpressionAttributeNames:  map[string]string{"#pk": "buyer", "#sk": "createdAt"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": s("b1"), ":sk": s("2024")},
	}
	out, err := store.Query(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	assert.Equal(t, s("t1"), out.Items[0]["tenderId"])

	input.ConsistentRead = aws.Bool(true)
	_, err = store.Query(context.Background(), input)
	assert.Equal(t, "ValidationException", apiCode(err))

	scan, err := store.Scan(context.Background(), &dynamodb.ScanInput{TableName: aws.String("tenders"), IndexName: aws.String("byBuyer")})
	require.NoError(t, err)
	assert.Len(t, scan.Items, 2)
}

func TestScan_PageSize(t *testing.T) {
	store := New(WithPageSize(4))
	newTable(t, store, "things", "id", "")
	for i := 0; i < 10; i++ {
		put(t, store, "things", map[string]types.AttributeValue{"id": s("item-" + strconv.Itoa(i))})
	}

	input := &dynamodb.ScanInput{TableName: aws.String("things")}
	var ids []string
	pages := 0
	for {
		out, err := store.Scan(context.Background(), input)
		require.NoError(t, err)
		pages++
		for _, item := range out.Items {
			ids = append(ids, item["id"].(*types.AttributeValueMemberS).Value)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, ids, 10)
	assert.IsIncreasing(t, ids)
}

func TestTransactWriteItems_AllOrNothing(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")
	put(t, store, "things", map[string]types.AttributeValue{"id": s("b")})
	ctx := context.Background()

	createIfAbsent := func(id string) types.TransactWriteItem {
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                aws.String("things"),
			Item:                     map[string]types.AttributeValue{"id": s(id)},
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": "id"},
		}}
	}

	_, err := store.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{createIfAbsent("a"), createIfAbsent("b")},
	})
	var txErr *types.TransactionCanceledException
	require.ErrorAs(t, err, &txErr)
	require.Len(t, txErr.CancellationReasons, 2)
	assert.Equal(t, "None", aws.ToString(txErr.CancellationReasons[0].Code))
	assert.Equal(t, "ConditionalCheckFailed", aws.ToString(txErr.CancellationReasons[1].Code))

	out, err := store.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String("things"), Key: map[string]types.AttributeValue{"id": s("a")}})
	require.NoError(t, err)
	assert.Nil(t, out.Item, "no partial application")

	_, err = store.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			createIfAbsent("a"),
			{Delete: &types.Delete{TableName: aws.String("things"), Key: map[string]types.AttributeValue{"id": s("b")}}},
		},
	})
	require.NoError(t, err)

	out, err = store.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String("things"), Key: map[string]types.AttributeValue{"id": s("b")}})
	require.NoError(t, err)
	assert.Nil(t, out.Item)
}

func TestTransactWriteItems_Validation(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")
	same := types.TransactWriteItem{Put: &types.Put{TableName: aws.String("things"), Item: map[string]types.AttributeValue{"id": s("a")}}}

	_, err := store.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{same, same},
	})
	assert.Equal(t, "ValidationException", apiCode(err))

	_, err = store.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{})
	assert.Equal(t, "ValidationException", apiCode(err))
}

func TestTransactWriteItems_ClientRequestToken(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")
	ctx := context.Background()

	input := &dynamodb.TransactWriteItemsInput{
		ClientRequestToken: aws.String("tok-1"),
		TransactItems: []types.TransactWriteItem{{Put: &types.Put{
			TableName:                aws.String("things"),
			Item:                     map[string]types.AttributeValue{"id": s("a")},
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": "id"},
		}}},
	}
	_, err := store.TransactWriteItems(ctx, input)
	require.NoError(t, err)

	// A replay with the same token succeeds without re-evaluating conditions.
	_, err = store.TransactWriteItems(ctx, input)
	assert.NoError(t, err)
}

func TestCanceledContext(t *testing.T) {
	store := New()
	newTable(t, store, "things", "id", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String("things"), Key: map[string]types.AttributeValue{"id": s("a")}})
	assert.ErrorIs(t, err, context.Canceled)
}
