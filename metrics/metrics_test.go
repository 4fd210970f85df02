package metrics_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tenderwatch/internal/ddbmem"
	"github.com/jacentio/tenderwatch/kvtable"
	"github.com/jacentio/tenderwatch/metrics"
)

type thing struct {
	ID string `dynamodbav:"id"`
}

func setup(t *testing.T, reg *prometheus.Registry) *kvtable.Client[thing, thing] {
	t.Helper()
	store := ddbmem.New()
	_, err := store.CreateTable(context.Background(), &dynamodb.CreateTableInput{
		TableName: aws.String("things"),
		KeySchema: []types.KeySchemaElement{{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash}},
	})
	require.NoError(t, err)

	api, err := metrics.New(store, reg, "tenderwatch")
	require.NoError(t, err)

	c, err := kvtable.New(api, kvtable.TableConfig{
		Name:    "things",
		Indexes: kvtable.Indexes{kvtable.PrimaryIndex: {Partition: "id"}},
	}, kvtable.Identity[thing]())
	require.NoError(t, err)
	return c
}

func TestAPI_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := setup(t, reg)
	ctx := context.Background()

	_, err := c.Create(ctx, thing{ID: "a"})
	require.NoError(t, err)
	_, err = c.Create(ctx, thing{ID: "a"})
	require.ErrorIs(t, err, kvtable.ErrConditionalWriteFailed)
	_, err = c.Get(ctx, kvtable.Partition("a"), kvtable.Params{})
	require.NoError(t, err)

	tx := c.Transaction()
	item, err := tx.Create(thing{ID: "a"})
	require.NoError(t, err)
	require.Error(t, tx.Run(ctx, item))

	expected := `
# HELP tenderwatch_dynamodb_requests_total DynamoDB requests by operation, table and outcome.
# TYPE tenderwatch_dynamodb_requests_total counter
tenderwatch_dynamodb_requests_total{operation="GetItem",outcome="ok",table="things"} 1
tenderwatch_dynamodb_requests_total{operation="PutItem",outcome="condition_failed",table="things"} 1
tenderwatch_dynamodb_requests_total{operation="PutItem",outcome="ok",table="things"} 1
tenderwatch_dynamodb_requests_total{operation="TransactWriteItems",outcome="condition_failed",table="things"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tenderwatch_dynamodb_requests_total"))
	series, err := testutil.GatherAndCount(reg, "tenderwatch_dynamodb_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestAPI_StoreErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := setup(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(ctx, kvtable.Partition("a"), kvtable.Params{})
	require.ErrorIs(t, err, kvtable.ErrStoreUnavailable)

	count, err := testutil.GatherAndCount(reg, "tenderwatch_dynamodb_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := setup(t, reg)
	second := setup(t, reg)
	ctx := context.Background()

	_, err := first.Put(ctx, thing{ID: "a"})
	require.NoError(t, err)
	_, err = second.Put(ctx, thing{ID: "b"})
	require.NoError(t, err)

	expected := `
# HELP tenderwatch_dynamodb_requests_total DynamoDB requests by operation, table and outcome.
# TYPE tenderwatch_dynamodb_requests_total counter
tenderwatch_dynamodb_requests_total{operation="PutItem",outcome="ok",table="things"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tenderwatch_dynamodb_requests_total"))
}

func TestAPI_TransactionLabelledWithEveryTable(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := ddbmem.New()
	ctx := context.Background()
	for _, name := range []string{"things", "audit"} {
		_, err := store.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(name),
			KeySchema: []types.KeySchemaElement{{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash}},
		})
		require.NoError(t, err)
	}
	api, err := metrics.New(store, reg, "tenderwatch")
	require.NoError(t, err)

	item := map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "a"}}
	_, err = api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String("things"), Item: item}},
			{Put: &types.Put{TableName: aws.String("audit"), Item: item}},
			{Delete: &types.Delete{TableName: aws.String("things"), Key: map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "b"}}}},
		},
	})
	require.NoError(t, err)

	expected := `
# HELP tenderwatch_dynamodb_requests_total DynamoDB requests by operation, table and outcome.
# TYPE tenderwatch_dynamodb_requests_total counter
tenderwatch_dynamodb_requests_total{operation="TransactWriteItems",outcome="ok",table="audit,things"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tenderwatch_dynamodb_requests_total"))
}
