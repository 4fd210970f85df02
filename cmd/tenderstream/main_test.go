package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func image(id string, notified bool) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"tenderId":      events.NewStringAttribute(id),
		"CodigoExterno": events.NewStringAttribute(id),
		"Nombre":        events.NewStringAttribute("Taller de relatoría"),
		"createdAt":     events.NewStringAttribute("2026-03-01T12:00:00Z"),
		"notified":      events.NewBooleanAttribute(notified),
		"keywords":      events.NewListAttribute([]events.DynamoDBAttributeValue{events.NewStringAttribute("taller")}),
	}
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		lines = append(lines, line)
	}
	return lines
}

func TestHandler(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(zerolog.New(&buf).Level(zerolog.InfoLevel))

	expired := events.DynamoDBEventRecord{
		EventName:    "REMOVE",
		UserIdentity: &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "dynamodb.amazonaws.com"},
		Change:       events.DynamoDBStreamRecord{SequenceNumber: "4", OldImage: image("t2", false)},
	}

	resp, err := h.HandleBatch(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		{EventName: "INSERT", Change: events.DynamoDBStreamRecord{SequenceNumber: "1", NewImage: image("t1", false)}},
		{EventName: "MODIFY", Change: events.DynamoDBStreamRecord{SequenceNumber: "2", OldImage: image("t1", false), NewImage: image("t1", true)}},
		{EventName: "MODIFY", Change: events.DynamoDBStreamRecord{SequenceNumber: "3", OldImage: image("t1", true), NewImage: image("t1", true)}},
		expired,
		{EventName: "REMOVE", Change: events.DynamoDBStreamRecord{SequenceNumber: "5", OldImage: image("t1", true)}},
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	lines := logLines(t, &buf)
	require.Len(t, lines, 4)

	assert.Equal(t, "tender stored", lines[0]["message"])
	assert.Equal(t, "t1", lines[0]["tender_id"])
	assert.Equal(t, []any{"taller"}, lines[0]["keywords"])

	assert.Equal(t, "tender notified", lines[1]["message"])

	assert.Equal(t, "tender expired", lines[2]["message"])
	assert.Equal(t, "t2", lines[2]["tender_id"])
	assert.Equal(t, false, lines[2]["notified"])

	assert.Equal(t, "tender deleted", lines[3]["message"])
}

func TestHandler_KeysOnly(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(zerolog.New(&buf).Level(zerolog.InfoLevel))

	err := h.Handle(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		{EventName: "INSERT", Change: events.DynamoDBStreamRecord{Keys: map[string]events.DynamoDBAttributeValue{"tenderId": events.NewStringAttribute("t1")}}},
		{EventName: "MODIFY"},
		{EventName: "REMOVE"},
	}})
	require.NoError(t, err)
	assert.Empty(t, logLines(t, &buf))
}
