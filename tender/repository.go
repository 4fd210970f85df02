package tender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/rs/zerolog"

	"github.com/jacentio/tenderwatch/kvtable"
)

// Indexes is the tender table registry: tenders are keyed by tenderId alone.
var Indexes = kvtable.Indexes{
	kvtable.PrimaryIndex: {Partition: "tenderId"},
}

// TTLAttribute is the table's expiry attribute.
const TTLAttribute = "expiresAt"

// ErrIDMismatch is returned when tenderId and CodigoExterno disagree.
var ErrIDMismatch = errors.New("tender: tenderId must equal CodigoExterno")

// TableConfig returns the kvtable configuration of the tender table.
func TableConfig(name string) kvtable.TableConfig {
	return kvtable.TableConfig{Name: name, Indexes: Indexes, TTLAttribute: TTLAttribute}
}

// Repository persists StoredTender items.
type Repository struct {
	client    *kvtable.Client[StoredTender, StoredTender]
	logger    zerolog.Logger
	now       func() time.Time
	retention time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger for the repository and its table client.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// WithClock overrides the clock used for createdAt and expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithRetention makes saved tenders expire d after creation. Zero disables expiry.
func WithRetention(d time.Duration) Option {
	return func(r *Repository) { r.retention = d }
}

// NewRepository creates a repository over the named table.
func NewRepository(api kvtable.API, table string, opts ...Option) (*Repository, error) {
	r := &Repository{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	client, err := kvtable.New(api, TableConfig(table), Parse(), kvtable.WithLogger(r.logger), kvtable.WithClock(r.now))
	if err != nil {
		return nil, err
	}
	r.client = client
	return r, nil
}

// Parse fills tenderId from CodigoExterno when empty, then checks the schema.
func Parse() kvtable.Parser[StoredTender, StoredTender] {
	normalise := func(st StoredTender) (StoredTender, error) {
		if st.TenderID == "" {
			st.TenderID = st.CodigoExterno
		}
		if st.TenderID != st.CodigoExterno {
			return StoredTender{}, fmt.Errorf("%w: %q != %q", ErrIDMismatch, st.TenderID, st.CodigoExterno)
		}
		return st, nil
	}
	return kvtable.Then[StoredTender, StoredTender, StoredTender](normalise, kvtable.ValidateStruct[StoredTender](nil))
}

// Exists reports whether a live tender with the given id is stored.
func (r *Repository) Exists(ctx context.Context, tenderID string) (bool, error) {
	_, err := r.Get(ctx, tenderID)
	if errors.Is(err, kvtable.ErrItemNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the stored tender.
func (r *Repository) Get(ctx context.Context, tenderID string) (StoredTender, error) {
	return r.client.Get(ctx, kvtable.Partition(tenderID), kvtable.Params{ConsistentRead: true})
}

// Save stores a newly seen tender as not yet notified. It fails with
// kvtable.ErrConditionalWriteFailed when the tender is already stored.
func (r *Repository) Save(ctx context.Context, t Tender, keywords []string) (StoredTender, error) {
	st, err := r.client.Create(ctx, r.newStored(t, keywords))
	if err != nil {
		return StoredTender{}, err
	}
	r.logger.Info().
		Str("tender_id", st.TenderID).
		Strs("keywords", st.Keywords).
		Msg("tender saved")
	return st, nil
}

func (r *Repository) newStored(t Tender, keywords []string) StoredTender {
	now := r.now().UTC()
	st := StoredTender{
		Tender:    t,
		TenderID:  t.CodigoExterno,
		CreatedAt: now,
		Keywords:  keywords,
	}
	if r.retention > 0 {
		st.ExpiresAt = now.Add(r.retention).Unix()
	}
	return st
}

// MarkNotified flags a stored tender as notified. It fails with
// kvtable.ErrConditionalWriteFailed when the tender no longer exists.
func (r *Repository) MarkNotified(ctx context.Context, st StoredTender) (StoredTender, error) {
	st.Notified = true
	return r.client.PutUpdate(ctx, st)
}

// MarkAllNotified flags the tenders as notified, atomically per batch of
// kvtable.MaxTransactionItems. A failed batch leaves its tenders unchanged
// and stops the remaining batches.
func (r *Repository) MarkAllNotified(ctx context.Context, tenders []StoredTender) error {
	tx := r.client.Transaction()
	for start := 0; start < len(tenders); start += kvtable.MaxTransactionItems {
		end := min(start+kvtable.MaxTransactionItems, len(tenders))

		items := make([]kvtable.TransactItem, 0, end-start)
		for _, st := range tenders[start:end] {
			st.Notified = true
			item, err := tx.PutUpdate(st)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		if err := tx.Run(ctx, items...); err != nil {
			return err
		}
	}
	r.logger.Info().Int("count", len(tenders)).Msg("tenders marked notified")
	return nil
}

// Pending returns every stored tender that has not been notified yet.
func (r *Repository) Pending(ctx context.Context) ([]StoredTender, error) {
	filter := expression.Name("notified").Equal(expression.Value(false))
	return r.client.ScanAll(ctx, kvtable.ScanOptions{Filter: &filter}, kvtable.Params{})
}

// Delete removes a tender. Deleting a missing tender is not an error.
func (r *Repository) Delete(ctx context.Context, tenderID string) error {
	return r.client.Delete(ctx, kvtable.Partition(tenderID))
}
