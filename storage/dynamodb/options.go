package dynamodb

import (
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/jjeffery/errors"
	"github.com/rs/zerolog"
)

// Default option values.
const (
	DefaultKey              = "Id"
	DefaultTableName        = "Session"
	DefaultTTLKey           = "Ttl"
	DefaultRegion           = "us-east-1"
	DefaultProvisionTimeout = 2 * time.Minute
)

// Options configures a Provider. The zero value is valid only when
// SkipProvisioning is set or the billing mode is PAY_PER_REQUEST, because
// provisioned tables need explicit capacity units.
type Options struct {
	// Connection is the DynamoDB client. If nil, one is created using
	// Credentials, Region and Endpoint.
	Connection dynamodbiface.DynamoDBAPI

	// Key is the name of the partition key attribute.
	Key string

	// TableName is the name of the DynamoDB table.
	TableName string

	// TTLKey is the name of the time to live attribute.
	TTLKey string

	// Credentials, Region and Endpoint are only used when Connection is nil.
	// Nil credentials use the default AWS credential chain.
	Credentials *credentials.Credentials
	Region      string
	Endpoint    string

	// BillingMode is either dynamodb.BillingModeProvisioned (the default) or
	// dynamodb.BillingModePayPerRequest.
	BillingMode string

	// ReadCapacityUnits and WriteCapacityUnits must be positive when the
	// table is created with provisioned billing.
	ReadCapacityUnits  int64
	WriteCapacityUnits int64

	// SkipProvisioning disables table creation, for tables managed elsewhere.
	SkipProvisioning bool

	// ProvisionTimeout bounds the background provisioning task.
	ProvisionTimeout time.Duration

	// Logger receives provisioning progress and failures. Nil discards logs.
	Logger *zerolog.Logger

	// OnProvisionError, if set, is called when background provisioning fails.
	OnProvisionError func(error)
}

func (opts Options) withDefaults() Options {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.TableName == "" {
		opts.TableName = DefaultTableName
	}
	if opts.TTLKey == "" {
		opts.TTLKey = DefaultTTLKey
	}
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	if opts.BillingMode == "" {
		opts.BillingMode = dynamodb.BillingModeProvisioned
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = DefaultProvisionTimeout
	}
	return opts
}

func (opts Options) validate() error {
	if opts.Key == opts.TTLKey {
		return errors.New("key and ttl key must be different attributes").With("key", opts.Key)
	}
	switch opts.BillingMode {
	case dynamodb.BillingModeProvisioned:
		if !opts.SkipProvisioning && (opts.ReadCapacityUnits <= 0 || opts.WriteCapacityUnits <= 0) {
			return errors.New("read and write capacity units must be positive for provisioned billing").With(
				"table", opts.TableName,
				"readCapacityUnits", opts.ReadCapacityUnits,
				"writeCapacityUnits", opts.WriteCapacityUnits,
			)
		}
	case dynamodb.BillingModePayPerRequest:
	default:
		return errors.New("unknown billing mode").With("billingMode", opts.BillingMode)
	}
	return nil
}

func (opts Options) awsConfig() *aws.Config {
	cfg := &aws.Config{
		Region:      aws.String(opts.Region),
		Credentials: opts.Credentials,
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	return cfg
}

func (opts Options) logger() zerolog.Logger {
	if opts.Logger == nil {
		return zerolog.Nop()
	}
	return *opts.Logger
}
