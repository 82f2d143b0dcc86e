package dynamodb

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/jjeffery/errors"
	"github.com/jjeffery/ddbsessions/storage"
)

// EnsureTable creates the DynamoDB table and enables its time to live attribute,
// unless the table already exists. It returns true once the table exists.
//
// A failure to list the existing tables is returned as an error, and is never
// treated as the table being absent. Calls are serialized, so concurrent callers
// in the same process never attempt to create the table twice.
func (db *Provider) EnsureTable(ctx context.Context) (bool, error) {
	db.ensureMutex.Lock()
	defer db.ensureMutex.Unlock()

	exists, err := db.tableExists(ctx)
	if err != nil {
		return false, storage.NewError(storage.KindExistenceCheck, err)
	}
	if exists {
		db.logger.Debug().Str("table", db.tableName).Msg("session table exists")
		return true, nil
	}

	created, err := db.createTable(ctx)
	if err != nil {
		return false, storage.NewError(storage.KindTableCreation, err)
	}
	if !created {
		// another process created the table first, and will configure it
		return true, nil
	}

	if err := db.enableTTL(ctx); err != nil {
		return false, storage.NewError(storage.KindTTLConfiguration, err)
	}
	db.logger.Info().
		Str("table", db.tableName).
		Str("key", db.key).
		Str("ttlKey", db.ttlKey).
		Msg("created session table")
	return true, nil
}

func (db *Provider) tableExists(ctx context.Context) (bool, error) {
	var found bool
	err := db.dynamodb.ListTablesPagesWithContext(ctx, &dynamodb.ListTablesInput{},
		func(page *dynamodb.ListTablesOutput, lastPage bool) bool {
			for _, name := range page.TableNames {
				if aws.StringValue(name) == db.tableName {
					found = true
					return false
				}
			}
			return true
		})
	if err != nil {
		return false, errors.With("table", db.tableName).Wrap(err, "cannot list tables")
	}
	return found, nil
}

// createTable creates the table and waits for it to become active. It returns
// false if the table was already being created.
func (db *Provider) createTable(ctx context.Context) (bool, error) {
	if db.billingMode == dynamodb.BillingModeProvisioned && (db.readCapacityUnits <= 0 || db.writeCapacityUnits <= 0) {
		return false, errors.New("read and write capacity units must be positive for provisioned billing").With("table", db.tableName)
	}
	errors := errors.With("table", db.tableName)
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(db.key),
				AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(db.key),
				KeyType:       aws.String(dynamodb.KeyTypeHash),
			},
		},
		BillingMode: aws.String(db.billingMode),
		TableName:   aws.String(db.tableName),
	}
	if db.billingMode == dynamodb.BillingModeProvisioned {
		input.ProvisionedThroughput = &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(db.readCapacityUnits),
			WriteCapacityUnits: aws.Int64(db.writeCapacityUnits),
		}
	}

	if _, err := db.dynamodb.CreateTableWithContext(ctx, input); err != nil {
		if hasErrorCode(err, dynamodb.ErrCodeResourceInUseException) {
			return false, nil
		}
		return false, errors.Wrap(err, "unable to create dynamodb table")
	}

	err := db.dynamodb.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(db.tableName),
	})
	if err != nil {
		return false, errors.Wrap(err, "table did not become active")
	}
	return true, nil
}

func (db *Provider) enableTTL(ctx context.Context) error {
	_, err := db.dynamodb.UpdateTimeToLiveWithContext(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(db.tableName),
		TimeToLiveSpecification: &dynamodb.TimeToLiveSpecification{
			AttributeName: aws.String(db.ttlKey),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return errors.With("table", db.tableName, "ttlKey", db.ttlKey).Wrap(err, "unable to set time to live")
	}
	return nil
}

// DropTable deletes the DynamoDB table and waits until it is gone.
func (db *Provider) DropTable(ctx context.Context) error {
	db.ensureMutex.Lock()
	defer db.ensureMutex.Unlock()

	errors := errors.With("table", db.tableName)
	_, err := db.dynamodb.DeleteTableWithContext(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(db.tableName),
	})
	if err != nil {
		if hasErrorCode(err, dynamodb.ErrCodeResourceNotFoundException) {
			// table not found is not considered an error
			return nil
		}
		return errors.Wrap(err, "unable to delete dynamodb table")
	}

	err = db.dynamodb.WaitUntilTableNotExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(db.tableName),
	})
	if err != nil {
		return errors.Wrap(err, "table was not deleted")
	}
	db.logger.Info().Str("table", db.tableName).Msg("dropped session table")
	return nil
}

func hasErrorCode(err error, code string) bool {
	if coder, ok := err.(interface{ Code() string }); ok {
		return coder.Code() == code
	}
	return false
}
