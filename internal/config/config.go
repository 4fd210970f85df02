// Package config loads table definitions, AWS settings and logging options
// from a YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/tenderwatch/kvtable"
)

// Environment variables read by Load.
const (
	EnvConfigPath       = "KVTABLE_CONFIG"
	EnvRegion           = "AWS_REGION"
	EnvEndpoint         = "DYNAMODB_ENDPOINT"
	EnvTenderTable      = "TENDER_TABLE_NAME"
	EnvLogLevel         = "LOG_LEVEL"
	EnvLogFormat        = "LOG_FORMAT"
	EnvMetricsNamespace = "METRICS_NAMESPACE"
)

// TenderTable is the key of the tender table in Config.Tables.
const TenderTable = "tender"

// Config is the root of the YAML file.
type Config struct {
	AWS     AWSConf              `yaml:"aws"`
	Logging LoggingConf          `yaml:"logging"`
	Metrics MetricsConf          `yaml:"metrics"`
	Tables  map[string]TableConf `yaml:"tables" validate:"required,dive"`
}

// AWSConf selects the region and an optional endpoint such as DynamoDB Local.
type AWSConf struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// LoggingConf configures internal/logging.
type LoggingConf struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// MetricsConf configures the metrics decorator.
type MetricsConf struct {
	Namespace string `yaml:"namespace"`
}

// TableConf describes one table.
type TableConf struct {
	Name         string               `yaml:"name" validate:"required"`
	TTLAttribute string               `yaml:"ttl"`
	Indexes      map[string]IndexConf `yaml:"indexes" validate:"required,dive"`
	// Attributes maps key attributes to their scalar type (S, N or B).
	// Unlisted key attributes default to S.
	Attributes map[string]string `yaml:"attributes" validate:"dive,oneof=S N B"`
}

// IndexConf is the YAML form of kvtable.Index.
type IndexConf struct {
	Partition string `yaml:"partition" validate:"required"`
	Sort      string `yaml:"sort"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		AWS:     AWSConf{Region: "us-east-1"},
		Logging: LoggingConf{Level: "info", Format: "json"},
		Metrics: MetricsConf{Namespace: "tenderwatch"},
		Tables: map[string]TableConf{
			TenderTable: {
				Name:         "TenderTable",
				TTLAttribute: "expiresAt",
				Indexes: map[string]IndexConf{
					kvtable.PrimaryIndex: {Partition: "tenderId"},
				},
			},
		},
	}
}

// Load reads the file at path (or $KVTABLE_CONFIG when path is empty) over
// the defaults, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRegion); v != "" {
		c.AWS.Region = v
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.AWS.Endpoint = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv(EnvMetricsNamespace); v != "" {
		c.Metrics.Namespace = v
	}
	if v := os.Getenv(EnvTenderTable); v != "" {
		if c.Tables == nil {
			c.Tables = make(map[string]TableConf)
		}
		t, ok := c.Tables[TenderTable]
		if !ok {
			t = Default().Tables[TenderTable]
		}
		t.Name = v
		c.Tables[TenderTable] = t
	}
}

// Validate checks struct tags and that every table has a primary index.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config:\n- %s", strings.Join(msgs, "\n- "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for key, t := range c.Tables {
		if _, ok := t.Indexes[kvtable.PrimaryIndex]; !ok {
			return fmt.Errorf("invalid config: table %q has no %s index", key, kvtable.PrimaryIndex)
		}
	}
	return nil
}

// Table returns the table registered under key.
func (c Config) Table(key string) (TableConf, error) {
	t, ok := c.Tables[key]
	if !ok {
		return TableConf{}, fmt.Errorf("table %q is not configured", key)
	}
	return t, nil
}

// TableConfig converts the definition into a kvtable.TableConfig.
func (t TableConf) TableConfig() kvtable.TableConfig {
	indexes := make(kvtable.Indexes, len(t.Indexes))
	for name, idx := range t.Indexes {
		indexes[name] = kvtable.Index{Partition: idx.Partition, Sort: idx.Sort}
	}
	return kvtable.TableConfig{Name: t.Name, Indexes: indexes, TTLAttribute: t.TTLAttribute}
}

// CreateTableInput builds an on-demand CreateTable request. Secondary indexes
// become global indexes projecting all attributes.
func (t TableConf) CreateTableInput() *dynamodb.CreateTableInput {
	in := &dynamodb.CreateTableInput{
		TableName:   aws.String(t.Name),
		BillingMode: types.BillingModePayPerRequest,
	}

	defined := make(map[string]bool)
	define := func(attr string) {
		if attr == "" || defined[attr] {
			return
		}
		defined[attr] = true
		in.AttributeDefinitions = append(in.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(attr),
			AttributeType: t.attributeType(attr),
		})
	}

	names := make([]string, 0, len(t.Indexes))
	for name := range t.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		idx := t.Indexes[name]
		define(idx.Partition)
		define(idx.Sort)
		if name == kvtable.PrimaryIndex {
			in.KeySchema = keySchema(idx)
			continue
		}
		in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
			IndexName:  aws.String(name),
			KeySchema:  keySchema(idx),
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		})
	}
	return in
}

func (t TableConf) attributeType(attr string) types.ScalarAttributeType {
	switch t.Attributes[attr] {
	case "N":
		return types.ScalarAttributeTypeN
	case "B":
		return types.ScalarAttributeTypeB
	default:
		return types.ScalarAttributeTypeS
	}
}

func keySchema(idx IndexConf) []types.KeySchemaElement {
	ks := []types.KeySchemaElement{{AttributeName: aws.String(idx.Partition), KeyType: types.KeyTypeHash}}
	if idx.Sort != "" {
		ks = append(ks, types.KeySchemaElement{AttributeName: aws.String(idx.Sort), KeyType: types.KeyTypeRange})
	}
	return ks
}
