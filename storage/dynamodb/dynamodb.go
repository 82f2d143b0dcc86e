package dynamodb

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/jjeffery/errors"
	"github.com/jjeffery/ddbsessions/storage"
	"github.com/rs/zerolog"
)

var (
	// nowFunc returns the current time, and can be replaced during testing
	nowFunc = time.Now

	errEmptySessionID = errors.New("empty session id")
	errSessionIDLong  = errors.New("session id too long")

	// encoder stores empty strings as strings rather than NULL
	encoder = dynamodbattribute.NewEncoder(func(e *dynamodbattribute.Encoder) {
		e.NullEmptyString = false
	})
)

// Provider provides storage for sessions using an AWS DynamoDB table.
// It implements the storage.Provider interface.
//
// The structure of the DynamoDB table is described in the package
// comment.
type Provider struct {
	dynamodb           dynamodbiface.DynamoDBAPI
	tableName          string
	key                string
	ttlKey             string
	billingMode        string
	readCapacityUnits  int64
	writeCapacityUnits int64
	logger             zerolog.Logger
	onProvisionError   func(error)

	ensureMutex  sync.Mutex
	ready        chan struct{}
	provisionErr error
}

var (
	// ensure Provider implements storage.Provider
	_ storage.Provider = (*Provider)(nil)
)

// New creates a new DynamoDB Provider and starts creating the table in the
// background. It returns an error if the options are invalid, but never
// waits for the network. Use Ready to wait for the table.
func New(opts Options) (*Provider, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	conn := opts.Connection
	if conn == nil {
		sess, err := session.NewSession(opts.awsConfig())
		if err != nil {
			return nil, errors.Wrap(err, "cannot create aws session").With("region", opts.Region)
		}
		conn = dynamodb.New(sess)
	}

	db := &Provider{
		dynamodb:           conn,
		tableName:          opts.TableName,
		key:                opts.Key,
		ttlKey:             opts.TTLKey,
		billingMode:        opts.BillingMode,
		readCapacityUnits:  opts.ReadCapacityUnits,
		writeCapacityUnits: opts.WriteCapacityUnits,
		logger:             opts.logger(),
		onProvisionError:   opts.OnProvisionError,
		ready:              make(chan struct{}),
	}
	if opts.SkipProvisioning {
		close(db.ready)
	} else {
		go db.provision(opts.ProvisionTimeout)
	}
	return db, nil
}

// TableName returns the name of the DynamoDB table.
func (db *Provider) TableName() string {
	return db.tableName
}

// Key returns the name of the partition key attribute.
func (db *Provider) Key() string {
	return db.key
}

// TTLKey returns the name of the time to live attribute.
func (db *Provider) TTLKey() string {
	return db.ttlKey
}

func (db *Provider) provision(timeout time.Duration) {
	defer close(db.ready)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := db.EnsureTable(ctx); err != nil {
		db.provisionErr = err
		db.logger.Error().Err(err).Str("table", db.tableName).Msg("cannot provision session table")
		if db.onProvisionError != nil {
			db.onProvisionError(err)
		}
	}
}

// Ready waits for the background provisioning started by New to complete,
// and returns its error, if any.
func (db *Provider) Ready(ctx context.Context) error {
	select {
	case <-db.ready:
		return db.provisionErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitReady waits for the provisioning attempt to finish. A failed attempt
// does not prevent session operations: the table may have been created by
// another process.
func (db *Provider) waitReady(ctx context.Context) error {
	select {
	case <-db.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *Provider) keyFor(id string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		db.key: {
			S: aws.String(id),
		},
	}
}

// begin validates the session id and waits for provisioning.
func (db *Provider) begin(ctx context.Context, id string) error {
	if id == "" {
		return errEmptySessionID
	}
	if len(id) > storage.MaxIDLength {
		return errSessionIDLong
	}
	return db.waitReady(ctx)
}

// Get implements the storage.Provider interface.
func (db *Provider) Get(ctx context.Context, id string) (storage.Session, error) {
	if err := db.begin(ctx, id); err != nil {
		return nil, storage.NewError(storage.KindRead, err)
	}
	errors := errors.With("id", id, "table", db.tableName)
	input := &dynamodb.GetItemInput{
		TableName: aws.String(db.tableName),
		Key:       db.keyFor(id),
	}
	output, err := db.dynamodb.GetItemWithContext(ctx, input)
	if err != nil {
		return nil, storage.NewError(storage.KindRead, errors.Wrap(err, "cannot get item"))
	}
	if len(output.Item) == 0 {
		// not found
		return nil, nil
	}
	var values map[string]interface{}
	if err := dynamodbattribute.UnmarshalMap(output.Item, &values); err != nil {
		return nil, storage.NewError(storage.KindRead, errors.Wrap(err, "unable to unmarshal session"))
	}
	sess := storage.Session(values)
	if expires, ok := storage.ExpiresAt(sess, db.ttlKey); ok && !expires.After(nowFunc()) {
		// expired, but not yet removed by dynamodb
		return nil, nil
	}
	return sess, nil
}

// Set implements the storage.Provider interface. The session is written
// in full, replacing any previous session with the same id.
func (db *Provider) Set(ctx context.Context, id string, sess storage.Session, ttl time.Duration) error {
	if err := db.begin(ctx, id); err != nil {
		return storage.NewError(storage.KindWrite, err)
	}
	errors := errors.With("id", id, "table", db.tableName)
	item := sess.Clone()
	item[db.key] = id
	item[db.ttlKey] = storage.Expiration(nowFunc(), sess, ttl).Unix()

	av, err := encoder.Encode(map[string]interface{}(item))
	if err != nil {
		return storage.NewError(storage.KindWrite, errors.Wrap(err, "failed to convert to dynamodb attribute value"))
	}
	input := &dynamodb.PutItemInput{
		Item:      av.M,
		TableName: aws.String(db.tableName),
	}
	if _, err := db.dynamodb.PutItemWithContext(ctx, input); err != nil {
		return storage.NewError(storage.KindWrite, errors.Wrap(err, "unable to save session in dynamodb"))
	}
	return nil
}

// Touch implements the storage.Provider interface. Only the time to live
// attribute is updated, and only if the session has not expired.
func (db *Provider) Touch(ctx context.Context, id string, sess storage.Session, ttl time.Duration) error {
	if err := db.begin(ctx, id); err != nil {
		return storage.NewError(storage.KindWrite, err)
	}
	errors := errors.With("id", id, "table", db.tableName)
	now := nowFunc()
	expires := storage.Expiration(now, sess, ttl).Unix()
	update := expression.Set(expression.Name(db.ttlKey), expression.Value(expires))
	cond := expression.AttributeExists(expression.Name(db.key)).
		And(expression.Name(db.ttlKey).GreaterThan(expression.Value(now.Unix())))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return storage.NewError(storage.KindWrite, errors.Wrap(err, "cannot build update expression"))
	}
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(db.tableName),
		Key:                       db.keyFor(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if _, err := db.dynamodb.UpdateItemWithContext(ctx, input); err != nil {
		if hasErrorCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
			// no such session, or it has expired
			return nil
		}
		return storage.NewError(storage.KindWrite, errors.Wrap(err, "unable to update session expiry"))
	}
	return nil
}

// Destroy implements the storage.Provider interface.
func (db *Provider) Destroy(ctx context.Context, id string) error {
	if err := db.begin(ctx, id); err != nil {
		return storage.NewError(storage.KindDelete, err)
	}
	errors := errors.With("id", id, "table", db.tableName)
	input := &dynamodb.DeleteItemInput{
		Key:       db.keyFor(id),
		TableName: aws.String(db.tableName),
	}
	if _, err := db.dynamodb.DeleteItemWithContext(ctx, input); err != nil {
		return storage.NewError(storage.KindDelete, errors.Wrap(err, "unable to delete session"))
	}
	return nil
}
