package kvtable_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tenderwatch/internal/ddbmem"
	"github.com/jacentio/tenderwatch/kvtable"
)

// thing lives in a table keyed by id alone.
type thing struct {
	ID string `dynamodbav:"id" validate:"required"`
	V  int    `dynamodbav:"v"`
}

// event lives in a table keyed by id and ts.
type event struct {
	ID   string `dynamodbav:"id" validate:"required"`
	TS   int    `dynamodbav:"ts"`
	Kind string `dynamodbav:"kind,omitempty"`
}

var (
	thingIndexes = kvtable.Indexes{kvtable.PrimaryIndex: {Partition: "id"}}
	eventIndexes = kvtable.Indexes{
		kvtable.PrimaryIndex: {Partition: "id", Sort: "ts"},
		"byKind":             {Partition: "kind", Sort: "ts"},
	}
)

func createTable(t *testing.T, store *ddbmem.Store, name string, indexes kvtable.Indexes) {
	t.Helper()
	keySchema := func(idx kvtable.Index) []types.KeySchemaElement {
		ks := []types.KeySchemaElement{{AttributeName: aws.String(idx.Partition), KeyType: types.KeyTypeHash}}
		if idx.HasSort() {
			ks = append(ks, types.KeySchemaElement{AttributeName: aws.String(idx.Sort), KeyType: types.KeyTypeRange})
		}
		return ks
	}
	in := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: keySchema(indexes[kvtable.PrimaryIndex]),
	}
	for indexName, idx := range indexes {
		if indexName == kvtable.PrimaryIndex {
			continue
		}
		in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
			IndexName: aws.String(indexName),
			KeySchema: keySchema(idx),
		})
	}
	_, err := store.CreateTable(context.Background(), in)
	require.NoError(t, err)
}

func newThings(t *testing.T, opts ...kvtable.Option) (*kvtable.Client[thing, thing], *ddbmem.Store) {
	t.Helper()
	store := ddbmem.New()
	createTable(t, store, "things", thingIndexes)
	c, err := kvtable.New(store, kvtable.TableConfig{Name: "things", Indexes: thingIndexes}, kvtable.ValidateStruct[thing](nil), opts...)
	require.NoError(t, err)
	return c, store
}

func newEvents(t *testing.T, storeOpts ...ddbmem.Option) *kvtable.Client[event, event] {
	t.Helper()
	store := ddbmem.New(storeOpts...)
	createTable(t, store, "events", eventIndexes)
	c, err := kvtable.New(store, kvtable.TableConfig{Name: "events", Indexes: eventIndexes}, kvtable.ValidateStruct[event](nil))
	require.NoError(t, err)
	return c
}

// mockAPI is a testify mock of kvtable.API.
type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.PutItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.QueryOutput)
	return out, args.Error(1)
}

func (m *mockAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.ScanOutput)
	return out, args.Error(1)
}

func (m *mockAPI) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.TransactWriteItemsOutput)
	return out, args.Error(1)
}

func sAttr(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
