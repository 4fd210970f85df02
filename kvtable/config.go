package kvtable

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TableConfig binds a client to one table and its index registry.
type TableConfig struct {
	// Name is the table name.
	Name string

	// Indexes declares the key attributes of every queryable index.
	// It must contain PrimaryIndex.
	Indexes Indexes

	// TTLAttribute is the numeric epoch-seconds attribute the table expires items by.
	// Items whose TTL is <= now are treated as absent. Empty disables TTL handling.
	TTLAttribute string
}

// validate ensures the config is usable and detaches the registry from the caller.
func (c *TableConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalidConfig)
	}
	indexes, err := c.Indexes.validate()
	if err != nil {
		return err
	}
	c.Indexes = indexes
	return nil
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger zerolog.Logger
	now    func() time.Time
}

func defaultOptions() options {
	return options{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
}

// WithLogger sets the logger used for request tracing and store failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the clock used to evaluate item expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
