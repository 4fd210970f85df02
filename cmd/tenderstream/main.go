// Command tenderstream is a Lambda function consuming the tender table's
// stream. It logs tenders as they are stored, notified and expired.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacentio/tenderwatch/internal/config"
	"github.com/jacentio/tenderwatch/internal/logging"
	"github.com/jacentio/tenderwatch/stream"
	"github.com/jacentio/tenderwatch/tender"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Logging)
	table, err := cfg.Table(config.TenderTable)
	if err != nil {
		logger.Fatal().Err(err).Msg("tender table")
	}

	h := newHandler(logger.With().Str("table", table.Name).Logger())
	lambda.Start(h.HandleBatch)
}

type auditor struct {
	logger zerolog.Logger
}

func newHandler(logger zerolog.Logger) *stream.Handler[tender.StoredTender] {
	a := auditor{logger: logger}
	return stream.NewHandler(logger,
		stream.OnInsert(a.inserted),
		stream.OnModify(a.modified),
		stream.OnRemove(a.removed),
	)
}

func (a auditor) inserted(_ context.Context, c stream.Change[tender.StoredTender]) error {
	if c.New == nil {
		return nil
	}
	a.logger.Info().
		Str("tender_id", c.New.TenderID).
		Str("nombre", c.New.Nombre).
		Strs("keywords", c.New.Keywords).
		Msg("tender stored")
	return nil
}

func (a auditor) modified(_ context.Context, c stream.Change[tender.StoredTender]) error {
	if c.Old == nil || c.New == nil {
		return nil
	}
	if !c.Old.Notified && c.New.Notified {
		a.logger.Info().
			Str("tender_id", c.New.TenderID).
			Time("created_at", c.New.CreatedAt).
			Msg("tender notified")
	}
	return nil
}

func (a auditor) removed(_ context.Context, c stream.Change[tender.StoredTender]) error {
	if c.Old == nil {
		return nil
	}
	event := a.logger.Info().
		Str("tender_id", c.Old.TenderID).
		Bool("notified", c.Old.Notified)
	if c.Expired {
		event.Msg("tender expired")
		return nil
	}
	event.Msg("tender deleted")
	return nil
}
