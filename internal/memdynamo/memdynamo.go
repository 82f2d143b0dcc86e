// Package memdynamo has a memory-backed fake of the DynamoDB API for testing purposes.
//
// Only the operations used by the session providers are implemented. Calling any
// other method of dynamodbiface.DynamoDBAPI panics.
package memdynamo

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// Operation names used for call counting and error injection.
const (
	OpListTables    = "ListTables"
	OpCreateTable   = "CreateTable"
	OpUpdateTTL     = "UpdateTimeToLive"
	OpDeleteTable   = "DeleteTable"
	OpWaitTable     = "WaitUntilTableExists"
	OpGetItem       = "GetItem"
	OpPutItem       = "PutItem"
	OpUpdateItem    = "UpdateItem"
	OpDeleteItem    = "DeleteItem"
	OpWaitTableGone = "WaitUntilTableNotExists"
)

// listTablesPageSize is kept small so that callers are forced to paginate.
const listTablesPageSize = 2

type table struct {
	key        string
	ttlKey     string
	ttlEnabled bool
	billing    string
	items      map[string]map[string]*dynamodb.AttributeValue
}

// DB is an in-memory implementation of the parts of dynamodbiface.DynamoDBAPI
// needed by the session providers. It is safe for concurrent use.
type DB struct {
	dynamodbiface.DynamoDBAPI

	mutex  sync.Mutex
	tables map[string]*table
	calls  map[string]int
	fail   map[string]error
}

// New creates an empty fake DynamoDB.
func New() *DB {
	return &DB{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
		fail:   make(map[string]error),
	}
}

// Fail causes every subsequent call to op to return err. Passing a nil err
// clears the injected failure.
func (db *DB) Fail(op string, err error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err == nil {
		delete(db.fail, op)
		return
	}
	db.fail[op] = err
}

// Calls returns the number of times op has been called.
func (db *DB) Calls(op string) int {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.calls[op]
}

// AddTable creates a table directly, bypassing the API.
func (db *DB) AddTable(name, key string) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.tables[name] = &table{
		key:   key,
		items: make(map[string]map[string]*dynamodb.AttributeValue),
	}
}

// TTLAttribute returns the TTL attribute enabled for the table, if any.
func (db *DB) TTLAttribute(name string) (string, bool) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	t := db.tables[name]
	if t == nil || !t.ttlEnabled {
		return "", false
	}
	return t.ttlKey, true
}

// BillingMode returns the billing mode the table was created with.
func (db *DB) BillingMode(name string) string {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if t := db.tables[name]; t != nil {
		return t.billing
	}
	return ""
}

// RawItem returns a copy of the stored item for id.
func (db *DB) RawItem(tableName, id string) map[string]*dynamodb.AttributeValue {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	t := db.tables[tableName]
	if t == nil {
		return nil
	}
	return cloneItem(t.items[id])
}

// begin counts the call and returns any injected failure. The mutex must be held.
func (db *DB) begin(op string) error {
	db.calls[op]++
	return db.fail[op]
}

func (db *DB) table(name *string) (*table, error) {
	t := db.tables[aws.StringValue(name)]
	if t == nil {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}
	return t, nil
}

// ListTablesPagesWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) ListTablesPagesWithContext(ctx aws.Context, input *dynamodb.ListTablesInput, fn func(*dynamodb.ListTablesOutput, bool) bool, opts ...request.Option) error {
	db.mutex.Lock()
	if err := db.begin(OpListTables); err != nil {
		db.mutex.Unlock()
		return err
	}
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	db.mutex.Unlock()
	sort.Strings(names)

	if len(names) == 0 {
		fn(&dynamodb.ListTablesOutput{}, true)
		return nil
	}
	for i := 0; i < len(names); i += listTablesPageSize {
		end := i + listTablesPageSize
		if end > len(names) {
			end = len(names)
		}
		page := &dynamodb.ListTablesOutput{TableNames: aws.StringSlice(names[i:end])}
		if !fn(page, end == len(names)) {
			break
		}
	}
	return nil
}

// CreateTableWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) CreateTableWithContext(ctx aws.Context, input *dynamodb.CreateTableInput, opts ...request.Option) (*dynamodb.CreateTableOutput, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpCreateTable); err != nil {
		return nil, err
	}
	name := aws.StringValue(input.TableName)
	if _, ok := db.tables[name]; ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceInUseException, "Table already exists: "+name, nil)
	}
	if len(input.KeySchema) != 1 || aws.StringValue(input.KeySchema[0].KeyType) != dynamodb.KeyTypeHash {
		return nil, awserr.New("ValidationException", "expected a single hash key", nil)
	}
	billing := aws.StringValue(input.BillingMode)
	if billing == "" {
		billing = dynamodb.BillingModeProvisioned
	}
	if billing == dynamodb.BillingModeProvisioned {
		pt := input.ProvisionedThroughput
		if pt == nil || aws.Int64Value(pt.ReadCapacityUnits) <= 0 || aws.Int64Value(pt.WriteCapacityUnits) <= 0 {
			return nil, awserr.New("ValidationException", "invalid provisioned throughput", nil)
		}
	}
	db.tables[name] = &table{
		key:     aws.StringValue(input.KeySchema[0].AttributeName),
		billing: billing,
		items:   make(map[string]map[string]*dynamodb.AttributeValue),
	}
	return &dynamodb.CreateTableOutput{
		TableDescription: &dynamodb.TableDescription{
			TableName:   input.TableName,
			TableStatus: aws.String(dynamodb.TableStatusActive),
		},
	}, nil
}

// WaitUntilTableExistsWithContext implements dynamodbiface.DynamoDBAPI.
// Tables are active as soon as they are created.
func (db *DB) WaitUntilTableExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpWaitTable); err != nil {
		return err
	}
	_, err := db.table(input.TableName)
	return err
}

// WaitUntilTableNotExistsWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) WaitUntilTableNotExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.begin(OpWaitTableGone)
}

// UpdateTimeToLiveWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) UpdateTimeToLiveWithContext(ctx aws.Context, input *dynamodb.UpdateTimeToLiveInput, opts ...request.Option) (*dynamodb.UpdateTimeToLiveOutput, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpUpdateTTL); err != nil {
		return nil, err
	}
	t, err := db.table(input.TableName)
	if err != nil {
		return nil, err
	}
	spec := input.TimeToLiveSpecification
	t.ttlKey = aws.StringValue(spec.AttributeName)
	t.ttlEnabled = aws.BoolValue(spec.Enabled)
	return &dynamodb.UpdateTimeToLiveOutput{TimeToLiveSpecification: spec}, nil
}

// DeleteTableWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) DeleteTableWithContext(ctx aws.Context, input *dynamodb.DeleteTableInput, opts ...request.Option) (*dynamodb.DeleteTableOutput, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpDeleteTable); err != nil {
		return nil, err
	}
	if _, err := db.table(input.TableName); err != nil {
		return nil, err
	}
	delete(db.tables, aws.StringValue(input.TableName))
	return &dynamodb.DeleteTableOutput{}, nil
}

// GetItemWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpGetItem); err != nil {
		return nil, err
	}
	t, err := db.table(input.TableName)
	if err != nil {
		return nil, err
	}
	id, err := t.keyValue(input.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(t.items[id])}, nil
}

// PutItemWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpPutItem); err != nil {
		return nil, err
	}
	t, err := db.table(input.TableName)
	if err != nil {
		return nil, err
	}
	id, err := t.keyValue(input.Item)
	if err != nil {
		return nil, err
	}
	t.items[id] = cloneItem(input.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItemWithContext implements dynamodbiface.DynamoDBAPI. Only SET actions
// are understood, and conditions are limited to those accepted by checkCondition.
func (db *DB) UpdateItemWithContext(ctx aws.Context, input *dynamodb.UpdateItemInput, opts ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpUpdateItem); err != nil {
		return nil, err
	}
	t, err := db.table(input.TableName)
	if err != nil {
		return nil, err
	}
	id, err := t.keyValue(input.Key)
	if err != nil {
		return nil, err
	}
	item, exists := t.items[id]
	ok, err := checkCondition(aws.StringValue(input.ConditionExpression), item, input.ExpressionAttributeNames, input.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
	}
	if !exists {
		item = cloneItem(input.Key)
		t.items[id] = item
	}

	expr := strings.TrimSpace(aws.StringValue(input.UpdateExpression))
	if !strings.HasPrefix(expr, "SET") {
		return nil, awserr.New("ValidationException", "unsupported update expression: "+expr, nil)
	}
	for _, action := range strings.Split(strings.TrimPrefix(expr, "SET"), ",") {
		parts := strings.SplitN(action, "=", 2)
		if len(parts) != 2 {
			return nil, awserr.New("ValidationException", "invalid update action: "+action, nil)
		}
		name := resolveName(strings.TrimSpace(parts[0]), input.ExpressionAttributeNames)
		value, ok := input.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
		if !ok {
			return nil, awserr.New("ValidationException", "missing value for "+action, nil)
		}
		item[name] = value
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

// DeleteItemWithContext implements dynamodbiface.DynamoDBAPI.
func (db *DB) DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.begin(OpDeleteItem); err != nil {
		return nil, err
	}
	t, err := db.table(input.TableName)
	if err != nil {
		return nil, err
	}
	id, err := t.keyValue(input.Key)
	if err != nil {
		return nil, err
	}
	delete(t.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (t *table) keyValue(item map[string]*dynamodb.AttributeValue) (string, error) {
	av := item[t.key]
	if av == nil || av.S == nil {
		return "", awserr.New("ValidationException", "missing key attribute "+t.key, nil)
	}
	return *av.S, nil
}

// checkCondition evaluates a condition expression made of attribute_exists
// and numeric greater-than comparisons joined by AND.
func checkCondition(cond string, item map[string]*dynamodb.AttributeValue, names map[string]*string, values map[string]*dynamodb.AttributeValue) (bool, error) {
	if strings.TrimSpace(cond) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(cond, " AND ") {
		clause = strings.TrimSpace(clause)
		clause = strings.TrimSuffix(strings.TrimPrefix(clause, "("), ")")
		switch {
		case strings.HasPrefix(clause, "attribute_exists"):
			name := strings.Trim(strings.TrimPrefix(clause, "attribute_exists"), " ()")
			if item[resolveName(name, names)] == nil {
				return false, nil
			}
		case strings.Contains(clause, " > "):
			parts := strings.SplitN(clause, " > ", 2)
			left := item[resolveName(strings.TrimSpace(parts[0]), names)]
			right := values[strings.TrimSpace(parts[1])]
			if right == nil || right.N == nil {
				return false, awserr.New("ValidationException", "missing value in condition: "+clause, nil)
			}
			if left == nil || left.N == nil {
				return false, nil
			}
			l, err := strconv.ParseFloat(*left.N, 64)
			if err != nil {
				return false, awserr.New("ValidationException", "invalid number: "+*left.N, err)
			}
			r, err := strconv.ParseFloat(*right.N, 64)
			if err != nil {
				return false, awserr.New("ValidationException", "invalid number: "+*right.N, err)
			}
			if !(l > r) {
				return false, nil
			}
		default:
			return false, awserr.New("ValidationException", "unsupported condition: "+clause, nil)
		}
	}
	return true, nil
}

func resolveName(name string, names map[string]*string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return aws.StringValue(n)
		}
	}
	return name
}

// cloneItem copies the top level of an item. Attribute values are never
// modified in place, so sharing them is safe.
func cloneItem(item map[string]*dynamodb.AttributeValue) map[string]*dynamodb.AttributeValue {
	if item == nil {
		return nil
	}
	cpy := make(map[string]*dynamodb.AttributeValue, len(item))
	for k, v := range item {
		cpy[k] = v
	}
	return cpy
}
