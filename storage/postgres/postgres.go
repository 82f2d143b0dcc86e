// Package postgres has a session storage provider that uses a PostgreSQL database table.
//
// The database table has the following structure:
//  create table <table_name>(
//    id character varying(255) primary key,
//    expires_at timestamp with time zone not null,
//    data jsonb not null
//  )
//
// The data column holds the session, including the key and expiration attributes.
// PostgreSQL has no time to live mechanism, so expired rows are ignored on read
// and removed by Purge.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jjeffery/errors"
	"github.com/jjeffery/ddbsessions/storage"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Default option values.
const (
	DefaultTableName = "http_sessions"
	DefaultKey       = "Id"
	DefaultTTLKey    = "Ttl"
)

var (
	// nowFunc returns the current time, and can be replaced during testing
	nowFunc = time.Now

	errEmptySessionID = errors.New("empty session id")
)

// Options configures a Provider. Blank fields select the defaults.
type Options struct {
	TableName string
	Key       string
	TTLKey    string
	Logger    *zerolog.Logger
}

// Provider provides storage for sessions using a PostgreSQL table.
// It implements the storage.Provider interface.
//
// The structure of the SQL table is described in the package comment.
type Provider struct {
	db        *sql.DB
	tableName string
	key       string
	ttlKey    string
	logger    zerolog.Logger
}

var (
	// ensure Provider implements storage.Provider
	_ storage.Provider = (*Provider)(nil)
)

// New creates a new Provider given a database handle. Unlike the DynamoDB
// provider, the table is not created automatically: call EnsureTable.
func New(db *sql.DB, opts Options) *Provider {
	if opts.TableName == "" {
		opts.TableName = DefaultTableName
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.TTLKey == "" {
		opts.TTLKey = DefaultTTLKey
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Provider{
		db:        db,
		tableName: opts.TableName,
		key:       opts.Key,
		ttlKey:    opts.TTLKey,
		logger:    logger,
	}
}

// TableName returns the name of the table.
func (db *Provider) TableName() string {
	return db.tableName
}

func (db *Provider) table() string {
	return pq.QuoteIdentifier(db.tableName)
}

// EnsureTable implements the storage.Provider interface. The table is created
// along with an index on the expiration column used by Purge.
func (db *Provider) EnsureTable(ctx context.Context) (bool, error) {
	errors := errors.With("table", db.tableName)

	var exists bool
	err := db.db.QueryRowContext(ctx, "select to_regclass($1) is not null", db.table()).Scan(&exists)
	if err != nil {
		return false, storage.NewError(storage.KindExistenceCheck, errors.Wrap(err, "cannot check for table"))
	}
	if exists {
		db.logger.Debug().Str("table", db.tableName).Msg("session table exists")
		return true, nil
	}

	queryFmt := `create table if not exists %s(` +
		`id character varying(255) primary key,` +
		` expires_at timestamp with time zone not null,` +
		` data jsonb not null)`
	if _, err := db.db.ExecContext(ctx, fmt.Sprintf(queryFmt, db.table())); err != nil {
		return false, storage.NewError(storage.KindTableCreation, errors.Wrap(err, "cannot create table"))
	}

	index := pq.QuoteIdentifier(db.tableName + "_expires_at_idx")
	query := fmt.Sprintf("create index if not exists %s on %s(expires_at)", index, db.table())
	if _, err := db.db.ExecContext(ctx, query); err != nil {
		return false, storage.NewError(storage.KindTTLConfiguration, errors.Wrap(err, "cannot create expiry index"))
	}
	db.logger.Info().Str("table", db.tableName).Msg("created session table")
	return true, nil
}

// DropTable deletes the table.
func (db *Provider) DropTable(ctx context.Context) error {
	query := fmt.Sprintf(`drop table if exists %s`, db.table())
	if _, err := db.db.ExecContext(ctx, query); err != nil {
		return errors.With("table", db.tableName).Wrap(err, "cannot drop table")
	}
	return nil
}

// Get implements the storage.Provider interface.
func (db *Provider) Get(ctx context.Context, id string) (storage.Session, error) {
	if err := checkID(id); err != nil {
		return nil, storage.NewError(storage.KindRead, err)
	}
	errors := errors.With("id", id, "table", db.tableName)
	query := fmt.Sprintf("select data from %s where id = $1 and expires_at > $2", db.table())
	var data []byte
	err := db.db.QueryRowContext(ctx, query, id, nowFunc()).Scan(&data)
	if err == sql.ErrNoRows {
		// not found, or expired
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError(storage.KindRead, errors.Wrap(err, "cannot get record").With("query", query))
	}
	var sess storage.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, storage.NewError(storage.KindRead, errors.Wrap(err, "cannot unmarshal session"))
	}
	return sess, nil
}

// Set implements the storage.Provider interface.
func (db *Provider) Set(ctx context.Context, id string, sess storage.Session, ttl time.Duration) error {
	if err := checkID(id); err != nil {
		return storage.NewError(storage.KindWrite, err)
	}
	errors := errors.With("id", id, "table", db.tableName)
	expires := storage.Expiration(nowFunc(), sess, ttl)
	item := sess.Clone()
	item[db.key] = id
	item[db.ttlKey] = expires.Unix()
	data, err := json.Marshal(item)
	if err != nil {
		return storage.NewError(storage.KindWrite, errors.Wrap(err, "cannot marshal session"))
	}

	queryFmt := `insert into %s(id, expires_at, data) values($1, $2, $3)` +
		` on conflict(id) do update set expires_at = $2, data = $3`
	query := fmt.Sprintf(queryFmt, db.table())
	if _, err := db.db.ExecContext(ctx, query, id, expires, string(data)); err != nil {
		return storage.NewError(storage.KindWrite, errors.Wrap(err, "cannot upsert row"))
	}
	return nil
}

// Touch implements the storage.Provider interface.
func (db *Provider) Touch(ctx context.Context, id string, sess storage.Session, ttl time.Duration) error {
	if err := checkID(id); err != nil {
		return storage.NewError(storage.KindWrite, err)
	}
	now := nowFunc()
	expires := storage.Expiration(now, sess, ttl)
	queryFmt := `update %s set expires_at = $2, data = jsonb_set(data, $3::text[], to_jsonb($4::bigint))` +
		` where id = $1 and expires_at > $5`
	query := fmt.Sprintf(queryFmt, db.table())
	path := pq.Array([]string{db.ttlKey})
	if _, err := db.db.ExecContext(ctx, query, id, expires, path, expires.Unix(), now); err != nil {
		err = errors.With("id", id, "table", db.tableName).Wrap(err, "cannot update row")
		return storage.NewError(storage.KindWrite, err)
	}
	return nil
}

// Destroy implements the storage.Provider interface.
func (db *Provider) Destroy(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return storage.NewError(storage.KindDelete, err)
	}
	query := fmt.Sprintf("delete from %s where id = $1", db.table())
	if _, err := db.db.ExecContext(ctx, query, id); err != nil {
		err = errors.With("id", id, "table", db.tableName).Wrap(err, "cannot delete row")
		return storage.NewError(storage.KindDelete, err)
	}
	return nil
}

// Purge deletes all expired sessions and returns the number deleted.
func (db *Provider) Purge(ctx context.Context) (int64, error) {
	errors := errors.With("table", db.tableName)
	// TODO(jpj): would be more robust to have a limit
	query := fmt.Sprintf("delete from %s where expires_at <= $1", db.table())
	result, err := db.db.ExecContext(ctx, query, nowFunc())
	if err != nil {
		return 0, errors.Wrap(err, "cannot delete rows")
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cannot get rows affected")
	}
	db.logger.Debug().Str("table", db.tableName).Int64("count", count).Msg("purged expired sessions")
	return count, nil
}

func checkID(id string) error {
	if id == "" {
		return errEmptySessionID
	}
	if len(id) > storage.MaxIDLength {
		return errors.New("session id too long").With("length", len(id))
	}
	return nil
}
