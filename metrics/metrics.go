// Package metrics instruments a kvtable.API with Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/tenderwatch/kvtable"
)

// Outcome labels.
const (
	OutcomeOK              = "ok"
	OutcomeConditionFailed = "condition_failed"
	OutcomeError           = "error"
)

// API wraps a kvtable.API, counting calls per operation, table and outcome and
// timing them per operation and table.
type API struct {
	next     kvtable.API
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ kvtable.API = (*API)(nil)

// New instruments next and registers its collectors with reg.
// Collectors already registered under the same names are reused.
func New(next kvtable.API, reg prometheus.Registerer, namespace string) (*API, error) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dynamodb",
		Name:      "requests_total",
		Help:      "DynamoDB requests by operation, table and outcome.",
	}, []string{"operation", "table", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dynamodb",
		Name:      "request_duration_seconds",
		Help:      "DynamoDB request latency by operation and table.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "table"})

	var err error
	if requests, err = register(reg, requests); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	return &API{next: next, requests: requests, duration: duration}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (a *API) observe(op, table string, start time.Time, err error) {
	a.duration.WithLabelValues(op, table).Observe(time.Since(start).Seconds())
	a.requests.WithLabelValues(op, table, outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return OutcomeConditionFailed
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, r := range txErr.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return OutcomeConditionFailed
			}
		}
	}
	return OutcomeError
}

func (a *API) GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	start := time.Now()
	out, err := a.next.GetItem(ctx, in, optFns...)
	a.observe("GetItem", aws.ToString(in.TableName), start, err)
	return out, err
}

func (a *API) PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	start := time.Now()
	out, err := a.next.PutItem(ctx, in, optFns...)
	a.observe("PutItem", aws.ToString(in.TableName), start, err)
	return out, err
}

func (a *API) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	start := time.Now()
	out, err := a.next.DeleteItem(ctx, in, optFns...)
	a.observe("DeleteItem", aws.ToString(in.TableName), start, err)
	return out, err
}

func (a *API) Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	start := time.Now()
	out, err := a.next.Query(ctx, in, optFns...)
	a.observe("Query", aws.ToString(in.TableName), start, err)
	return out, err
}

func (a *API) Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	start := time.Now()
	out, err := a.next.Scan(ctx, in, optFns...)
	a.observe("Scan", aws.ToString(in.TableName), start, err)
	return out, err
}

// TransactWriteItems is labelled with the sorted, comma-joined set of tables
// it writes; a transaction spanning tables is counted once under that label.
func (a *API) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	start := time.Now()
	out, err := a.next.TransactWriteItems(ctx, in, optFns...)
	a.observe("TransactWriteItems", transactTables(in), start, err)
	return out, err
}

func transactTables(in *dynamodb.TransactWriteItemsInput) string {
	seen := make(map[string]bool)
	var tables []string
	for _, ti := range in.TransactItems {
		var name *string
		switch {
		case ti.Put != nil:
			name = ti.Put.TableName
		case ti.Delete != nil:
			name = ti.Delete.TableName
		case ti.Update != nil:
			name = ti.Update.TableName
		case ti.ConditionCheck != nil:
			name = ti.ConditionCheck.TableName
		}
		if table := aws.ToString(name); table != "" && !seen[table] {
			seen[table] = true
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	return strings.Join(tables, ",")
}
