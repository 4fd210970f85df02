// Package stream decodes DynamoDB Streams records into typed items and
// dispatches them by event type.
package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// Stream event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// ttlPrincipal is the identity DynamoDB uses for deletions made by the TTL
// sweeper.
const ttlPrincipal = "dynamodb.amazonaws.com"

// Change is a decoded stream record. Old and New are nil when the image is
// absent from the record (for example with a KEYS_ONLY stream view).
type Change[T any] struct {
	EventID        string
	EventName      string
	SequenceNumber string
	Keys           map[string]types.AttributeValue
	Old            *T
	New            *T
	// Expired is set on REMOVE records produced by TTL expiry.
	Expired bool
}

// Handler processes DynamoDB stream events for one table.
type Handler[T any] struct {
	logger   zerolog.Logger
	onInsert func(context.Context, Change[T]) error
	onModify func(context.Context, Change[T]) error
	onRemove func(context.Context, Change[T]) error
}

// Option configures a Handler.
type Option[T any] func(*Handler[T])

// OnInsert sets the callback for INSERT records.
func OnInsert[T any](fn func(context.Context, Change[T]) error) Option[T] {
	return func(h *Handler[T]) { h.onInsert = fn }
}

// OnModify sets the callback for MODIFY records.
func OnModify[T any](fn func(context.Context, Change[T]) error) Option[T] {
	return func(h *Handler[T]) { h.onModify = fn }
}

// OnRemove sets the callback for REMOVE records, including TTL expiry.
func OnRemove[T any](fn func(context.Context, Change[T]) error) Option[T] {
	return func(h *Handler[T]) { h.onRemove = fn }
}

// NewHandler creates a new stream handler. Records without a callback for
// their event type are skipped.
func NewHandler[T any](logger zerolog.Logger, opts ...Option[T]) *Handler[T] {
	h := &Handler[T]{logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes the records in order and stops at the first failure so
// the whole batch is retried. It can be passed to lambda.Start directly.
func (h *Handler[T]) Handle(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error().Err(err).
				Str("event_id", record.EventID).
				Msg("failed to process record")
			return err
		}
	}
	return nil
}

// HandleBatch is like Handle but reports the first failing record as a batch
// item failure, so Lambda retries from that record instead of the whole batch.
// Requires ReportBatchItemFailures on the event source mapping.
func (h *Handler[T]) HandleBatch(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error().Err(err).
				Str("event_id", record.EventID).
				Str("sequence_number", record.Change.SequenceNumber).
				Msg("failed to process record")
			return events.DynamoDBEventResponse{
				BatchItemFailures: []events.DynamoDBBatchItemFailure{
					{ItemIdentifier: record.Change.SequenceNumber},
				},
			}, nil
		}
	}
	return events.DynamoDBEventResponse{}, nil
}

func (h *Handler[T]) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	var fn func(context.Context, Change[T]) error
	switch record.EventName {
	case EventInsert:
		fn = h.onInsert
	case EventModify:
		fn = h.onModify
	case EventRemove:
		fn = h.onRemove
	}
	if fn == nil {
		h.logger.Debug().
			Str("event_id", record.EventID).
			Str("event_name", record.EventName).
			Msg("skipping record")
		return nil
	}

	change, err := decode[T](record)
	if err != nil {
		return err
	}

	h.logger.Debug().
		Str("event_id", record.EventID).
		Str("event_name", record.EventName).
		Bool("expired", change.Expired).
		Msg("processing record")

	return fn(ctx, change)
}

func decode[T any](record events.DynamoDBEventRecord) (Change[T], error) {
	change := Change[T]{
		EventID:        record.EventID,
		EventName:      record.EventName,
		SequenceNumber: record.Change.SequenceNumber,
		Expired:        isTTLRemoval(record),
	}

	keys, err := ConvertImage(record.Change.Keys)
	if err != nil {
		return change, fmt.Errorf("decode keys: %w", err)
	}
	change.Keys = keys

	if change.Old, err = decodeImage[T](record.Change.OldImage); err != nil {
		return change, fmt.Errorf("decode old image: %w", err)
	}
	if change.New, err = decodeImage[T](record.Change.NewImage); err != nil {
		return change, fmt.Errorf("decode new image: %w", err)
	}
	return change, nil
}

func decodeImage[T any](image map[string]events.DynamoDBAttributeValue) (*T, error) {
	if len(image) == 0 {
		return nil, nil
	}
	av, err := ConvertImage(image)
	if err != nil {
		return nil, err
	}
	var out T
	if err := attributevalue.UnmarshalMap(av, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func isTTLRemoval(record events.DynamoDBEventRecord) bool {
	if record.EventName != EventRemove || record.UserIdentity == nil {
		return false
	}
	return record.UserIdentity.Type == "Service" && record.UserIdentity.PrincipalID == ttlPrincipal
}
