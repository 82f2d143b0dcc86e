// Package config loads session storage settings from a YAML file.
//
// An example file:
//
//  backend: dynamodb
//  dynamodb:
//    table: Session
//    key: Id
//    ttl_key: Ttl
//    region: eu-west-1
//    read_capacity_units: 5
//    write_capacity_units: 5
//  postgres:
//    dsn: postgres://localhost/sessions?sslmode=disable
//    table: http_sessions
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/jjeffery/errors"
	"github.com/jjeffery/ddbsessions/storage/dynamodb"
	"github.com/jjeffery/ddbsessions/storage/postgres"
	"gopkg.in/yaml.v3"
)

// Backends that can be selected by Config.Backend.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the top-level configuration.
type Config struct {
	Backend  string   `yaml:"backend"`
	DynamoDB DynamoDB `yaml:"dynamodb"`
	Postgres Postgres `yaml:"postgres"`
}

// DynamoDB configures the DynamoDB provider.
type DynamoDB struct {
	Table              string        `yaml:"table"`
	Key                string        `yaml:"key"`
	TTLKey             string        `yaml:"ttl_key"`
	Region             string        `yaml:"region"`
	Endpoint           string        `yaml:"endpoint"`
	BillingMode        string        `yaml:"billing_mode"`
	ReadCapacityUnits  int64         `yaml:"read_capacity_units"`
	WriteCapacityUnits int64         `yaml:"write_capacity_units"`
	SkipProvisioning   bool          `yaml:"skip_provisioning"`
	ProvisionTimeout   time.Duration `yaml:"provision_timeout"`
}

// Postgres configures the PostgreSQL provider.
type Postgres struct {
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
	Key    string `yaml:"key"`
	TTLKey string `yaml:"ttl_key"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Backend: BackendDynamoDB,
		DynamoDB: DynamoDB{
			Table:              dynamodb.DefaultTableName,
			Key:                dynamodb.DefaultKey,
			TTLKey:             dynamodb.DefaultTTLKey,
			Region:             dynamodb.DefaultRegion,
			ReadCapacityUnits:  5,
			WriteCapacityUnits: 5,
			ProvisionTimeout:   dynamodb.DefaultProvisionTimeout,
		},
		Postgres: Postgres{
			Table:  postgres.DefaultTableName,
			Key:    postgres.DefaultKey,
			TTLKey: postgres.DefaultTTLKey,
		},
	}
}

// Load reads the YAML file at path. Settings missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "cannot read config file").With("path", path)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "invalid config file").With("path", path)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg and validates the result. Unknown
// fields are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrap(err, "cannot decode yaml")
	}
	return cfg.Validate()
}

// Validate checks that the configuration is usable.
func (cfg Config) Validate() error {
	switch cfg.Backend {
	case BackendDynamoDB, BackendMemory:
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres backend requires a dsn")
		}
	default:
		return errors.New("unknown backend").With("backend", cfg.Backend)
	}
	if cfg.DynamoDB.Key != "" && cfg.DynamoDB.Key == cfg.DynamoDB.TTLKey {
		return errors.New("dynamodb key and ttl_key must differ").With("key", cfg.DynamoDB.Key)
	}
	return nil
}

// Options converts the DynamoDB settings into provider options.
func (d DynamoDB) Options() dynamodb.Options {
	return dynamodb.Options{
		TableName:          d.Table,
		Key:                d.Key,
		TTLKey:             d.TTLKey,
		Region:             d.Region,
		Endpoint:           d.Endpoint,
		BillingMode:        d.BillingMode,
		ReadCapacityUnits:  d.ReadCapacityUnits,
		WriteCapacityUnits: d.WriteCapacityUnits,
		SkipProvisioning:   d.SkipProvisioning,
		ProvisionTimeout:   d.ProvisionTimeout,
	}
}

// Options converts the PostgreSQL settings into provider options.
func (p Postgres) Options() postgres.Options {
	return postgres.Options{
		TableName: p.Table,
		Key:       p.Key,
		TTLKey:    p.TTLKey,
	}
}
