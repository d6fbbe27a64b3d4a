package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

const (
	sqliteSchema = `CREATE TABLE IF NOT EXISTS blobs (
blob_key TEXT PRIMARY KEY,
data BLOB,
updated_at INTEGER NOT NULL)`

	mysqlSchema = `CREATE TABLE IF NOT EXISTS blobs (
blob_key varchar(64) primary key,
data longblob not null,
updated_at bigint not null)`
)

// SQLStore keeps blobs in a single table behind database/sql. It serves
// both the sqlite and mysql drivers; only the schema and upsert clause differ.
type SQLStore struct {
	db     *sql.DB
	upsert string
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var schema, upsert string
	switch driver {
	case DriverSQLite:
		schema = sqliteSchema
		upsert = "ON CONFLICT(blob_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at"
	case DriverMySQL:
		schema = mysqlSchema
		upsert = "ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("sql dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}
	return &SQLStore{db: db, upsert: upsert}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	query, args, err := sq.Select("COUNT(*)").From("blobs").Where(sq.Eq{"blob_key": key}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("query blob exists: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) Write(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	query, args, err := sq.Insert("blobs").
		Columns("blob_key", "data", "updated_at").
		Values(key, data, time.Now().UTC().UnixNano()).
		Suffix(s.upsert).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert blob: %w", err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, key string) ([]byte, error) {
	query, args, err := sq.Select("data").From("blobs").Where(sq.Eq{"blob_key": key}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build read query: %w", err)
	}
	var data []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query blob: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
