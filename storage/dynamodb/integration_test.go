package dynamodb

import (
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/jjeffery/ddbsessions/internal/testhelper"
)

// TestDynamoDBLocal runs the provider against DynamoDB Local, for example:
//
//  docker run -p 8000:8000 amazon/dynamodb-local
//  DYNAMODB_ENDPOINT=http://localhost:8000 go test ./storage/dynamodb
func TestDynamoDBLocal(t *testing.T) {
	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	if endpoint == "" {
		t.Skip("DYNAMODB_ENDPOINT not set")
	}
	ctx := context.Background()
	opts := Options{
		TableName:          "http_sessions",
		Region:             "us-east-1",
		Endpoint:           endpoint,
		Credentials:        credentials.NewStaticCredentials("234", "123", ""),
		ReadCapacityUnits:  5,
		WriteCapacityUnits: 5,
		SkipProvisioning:   true,
	}
	db, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.DropTable(ctx); err != nil {
		t.Fatal(err)
	}

	opts.SkipProvisioning = false
	db, err = New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Ready(ctx); err != nil {
		t.Fatal(err)
	}
	testhelper.TestStorageProvider(t, db, testhelper.Names{Key: DefaultKey, TTLKey: DefaultTTLKey, SetClock: setNowFunc})
}
