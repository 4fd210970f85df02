package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacentio/tenderwatch/internal/config"
	"github.com/jacentio/tenderwatch/kvtable"
)

// tableAPI is the item API plus table creation.
type tableAPI interface {
	kvtable.API
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type ttlUpdater interface {
	UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

type item = map[string]any

type app struct {
	client *kvtable.Client[item, item]
	tables tableAPI
	table  config.TableConf
	logger zerolog.Logger
	stdin  io.Reader
	stdout *json.Encoder
	stderr io.Writer
}

func newApp(api kvtable.API, tables tableAPI, table config.TableConf, logger zerolog.Logger, stdin io.Reader, stdout, stderr io.Writer) (*app, error) {
	client, err := kvtable.New(api, table.TableConfig(), kvtable.Identity[item](), kvtable.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &app{
		client: client,
		tables: tables,
		table:  table,
		logger: logger,
		stdin:  stdin,
		stdout: json.NewEncoder(stdout),
		stderr: stderr,
	}, nil
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	name, rest := args[0], args[1:]
	switch name {
	case "create-table":
		return a.createTable(ctx, rest)
	case "get":
		return a.get(ctx, rest)
	case "put", "create", "update":
		return a.write(ctx, name, rest)
	case "delete":
		return a.delete(ctx, rest)
	case "delete-many":
		return a.deleteMany(ctx, rest)
	case "query":
		return a.query(ctx, rest)
	case "scan":
		return a.scan(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) createTable(ctx context.Context, args []string) error {
	fs := a.flagSet("create-table")
	wait := fs.Duration("wait", 2*time.Minute, "how long to wait for the table to become active")
	if err := fs.Parse(args); err != nil {
		return err
	}

	out, err := a.tables.CreateTable(ctx, a.table.CreateTableInput())
	if err != nil {
		return fmt.Errorf("create table %s: %w", a.table.Name, err)
	}

	if describer, ok := a.tables.(dynamodb.DescribeTableAPIClient); ok && *wait > 0 {
		waiter := dynamodb.NewTableExistsWaiter(describer)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(a.table.Name)}, *wait); err != nil {
			return fmt.Errorf("wait for table %s: %w", a.table.Name, err)
		}
	}

	if updater, ok := a.tables.(ttlUpdater); ok && a.table.TTLAttribute != "" {
		_, err := updater.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
			TableName: aws.String(a.table.Name),
			TimeToLiveSpecification: &types.TimeToLiveSpecification{
				AttributeName: aws.String(a.table.TTLAttribute),
				Enabled:       aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("enable ttl on %s: %w", a.table.Name, err)
		}
	}

	a.logger.Info().Str("table", a.table.Name).Msg("table created")
	return a.stdout.Encode(map[string]string{
		"table":  a.table.Name,
		"status": string(out.TableDescription.TableStatus),
	})
}

func (a *app) get(ctx context.Context, args []string) error {
	fs := a.flagSet("get")
	rawKey := fs.String("key", "", "partition value, or attr=value pairs separated by commas")
	consistent := fs.Bool("consistent", false, "strongly consistent read")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := a.parseKey(*rawKey)
	if err != nil {
		return err
	}
	got, err := a.client.Get(ctx, key, kvtable.Params{ConsistentRead: *consistent})
	if err != nil {
		return err
	}
	return a.stdout.Encode(got)
}

func (a *app) write(ctx context.Context, mode string, args []string) error {
	fs := a.flagSet(mode)
	raw := fs.String("item", "", "item as a JSON object, or - to read it from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	it, err := a.parseItem(*raw)
	if err != nil {
		return err
	}

	var stored item
	switch mode {
	case "create":
		stored, err = a.client.Create(ctx, it)
	case "update":
		stored, err = a.client.PutUpdate(ctx, it)
	default:
		stored, err = a.client.Put(ctx, it)
	}
	if err != nil {
		return err
	}
	return a.stdout.Encode(stored)
}

func (a *app) delete(ctx context.Context, args []string) error {
	fs := a.flagSet("delete")
	rawKey := fs.String("key", "", "partition value, or attr=value pairs separated by commas")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := a.parseKey(*rawKey)
	if err != nil {
		return err
	}
	return a.client.Delete(ctx, key)
}

func (a *app) deleteMany(ctx context.Context, args []string) error {
	fs := a.flagSet("delete-many")
	var rawKeys []string
	fs.Func("key", "key to delete (repeatable)", func(s string) error {
		rawKeys = append(rawKeys, s)
		return nil
	})
	token := fs.String("token", "", "idempotency token (default: random)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		*token = uuid.NewString()
	}

	tx := a.client.Transaction()
	items := make([]kvtable.TransactItem, 0, len(rawKeys))
	for _, raw := range rawKeys {
		key, err := a.parseKey(raw)
		if err != nil {
			return err
		}
		del, err := tx.Delete(key)
		if err != nil {
			return err
		}
		items = append(items, del)
	}
	if err := tx.RunIdempotent(ctx, *token, items...); err != nil {
		return err
	}
	a.logger.Info().Int("count", len(items)).Str("token", *token).Msg("items deleted")
	return nil
}

type pageOutput struct {
	Items  []item `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}

// readFlags are shared by query and scan.
type readFlags struct {
	index      string
	where      string
	limit      int
	consistent bool
	all        bool
	cursor     string
}

func (r *readFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.index, "index", "", "index name (default primary)")
	fs.StringVar(&r.where, "where", "", "only return items with attr=value")
	fs.IntVar(&r.limit, "limit", 0, "items evaluated per request (0 = unbounded)")
	fs.BoolVar(&r.consistent, "consistent", false, "strongly consistent read")
	fs.BoolVar(&r.all, "all", false, "follow the cursor until the last page")
	fs.StringVar(&r.cursor, "cursor", "", "cursor returned by a previous page")
}

func (r *readFlags) params() kvtable.Params {
	return kvtable.Params{ConsistentRead: r.consistent, Limit: int32(r.limit)}
}

func (a *app) query(ctx context.Context, args []string) error {
	fs := a.flagSet("query")
	var rf readFlags
	rf.register(fs)
	partition := fs.String("partition", "", "partition key value")
	desc := fs.Bool("desc", false, "descending sort key order")
	ops := map[string]*string{}
	for _, op := range []string{"eq", "lt", "lte", "gt", "gte", "begins-with", "between"} {
		ops[op] = fs.String(op, "", "sort key "+op+" value (between takes lo,hi)")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *partition == "" {
		return errors.New("query: -partition is required")
	}

	idx, _ := a.client.Index(rf.index)
	pk, err := a.value(idx.Partition, *partition)
	if err != nil {
		return err
	}

	opts := kvtable.QueryOptions{IndexName: rf.index}
	var convErr error
	fs.Visit(func(f *flag.Flag) {
		if _, ok := ops[f.Name]; !ok || convErr != nil {
			return
		}
		if f.Name == "between" {
			for _, bound := range strings.Split(f.Value.String(), ",") {
				v, err := a.value(idx.Sort, bound)
				if err != nil {
					convErr = err
					return
				}
				opts.Between = append(opts.Between, v)
			}
			return
		}
		v, err := a.value(idx.Sort, f.Value.String())
		if err != nil {
			convErr = err
			return
		}
		switch f.Name {
		case "eq":
			opts.Eq = v
		case "lt":
			opts.Lt = v
		case "lte":
			opts.Lte = v
		case "gt":
			opts.Gt = v
		case "gte":
			opts.Gte = v
		case "begins-with":
			opts.BeginsWith = v
		}
	})
	if convErr != nil {
		return convErr
	}
	if opts.Filter, err = a.filter(rf.where); err != nil {
		return err
	}
	if opts.ExclusiveStartKey, err = kvtable.DecodeCursor(rf.cursor); err != nil {
		return err
	}

	params := rf.params()
	if *desc {
		params.ScanIndexForward = aws.Bool(false)
	}

	if rf.all {
		items, err := a.client.QueryAll(ctx, pk, opts, params)
		if err != nil {
			return err
		}
		return a.writePage(items, nil)
	}
	page, err := a.client.Query(ctx, pk, opts, params)
	if err != nil {
		return err
	}
	return a.writePage(page.Items, page.LastKey)
}

func (a *app) scan(ctx context.Context, args []string) error {
	fs := a.flagSet("scan")
	var rf readFlags
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := kvtable.ScanOptions{IndexName: rf.index}
	var err error
	if opts.Filter, err = a.filter(rf.where); err != nil {
		return err
	}
	if opts.ExclusiveStartKey, err = kvtable.DecodeCursor(rf.cursor); err != nil {
		return err
	}

	if rf.all {
		items, err := a.client.ScanAll(ctx, opts, rf.params())
		if err != nil {
			return err
		}
		return a.writePage(items, nil)
	}
	page, err := a.client.Scan(ctx, opts, rf.params())
	if err != nil {
		return err
	}
	return a.writePage(page.Items, page.LastKey)
}

func (a *app) writePage(items []item, last kvtable.Cursor) error {
	token, err := kvtable.EncodeCursor(last)
	if err != nil {
		return err
	}
	if items == nil {
		items = []item{}
	}
	return a.stdout.Encode(pageOutput{Items: items, Cursor: token})
}

// parseKey accepts a bare partition value or attr=value pairs separated by commas.
func (a *app) parseKey(raw string) (kvtable.Key, error) {
	if raw == "" {
		return kvtable.Key{}, errors.New("-key is required")
	}
	if !strings.Contains(raw, "=") {
		primary, _ := a.client.Index(kvtable.PrimaryIndex)
		v, err := a.value(primary.Partition, raw)
		if err != nil {
			return kvtable.Key{}, err
		}
		return kvtable.Partition(v), nil
	}

	attrs := make(map[string]any)
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return kvtable.Key{}, fmt.Errorf("invalid key pair %q", pair)
		}
		v, err := a.value(name, value)
		if err != nil {
			return kvtable.Key{}, err
		}
		attrs[name] = v
	}
	return kvtable.KeyAttrs(attrs), nil
}

// value converts a command line value into the attribute type configured for attr.
func (a *app) value(attr, raw string) (types.AttributeValue, error) {
	switch a.table.Attributes[attr] {
	case "N":
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", attr, raw)
		}
		return &types.AttributeValueMemberN{Value: raw}, nil
	case "B":
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", attr, err)
		}
		return &types.AttributeValueMemberB{Value: b}, nil
	default:
		return &types.AttributeValueMemberS{Value: raw}, nil
	}
}

func (a *app) filter(where string) (*expression.ConditionBuilder, error) {
	if where == "" {
		return nil, nil
	}
	name, raw, ok := strings.Cut(where, "=")
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid -where %q, want attr=value", where)
	}
	var v any = raw
	if a.table.Attributes[name] == "N" {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", name, raw)
		}
		v = n
	}
	cond := expression.Name(name).Equal(expression.Value(v))
	return &cond, nil
}

func (a *app) parseItem(raw string) (item, error) {
	var data []byte
	switch raw {
	case "":
		return nil, errors.New("-item is required")
	case "-":
		b, err := io.ReadAll(a.stdin)
		if err != nil {
			return nil, fmt.Errorf("read item: %w", err)
		}
		data = b
	default:
		data = []byte(raw)
	}
	var it item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("parse item: %w", err)
	}
	return it, nil
}
