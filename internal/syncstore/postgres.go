package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDocumentTableName = "syncstore_documents"
	postgresQueueTableName    = "syncstore_queue"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLocalStore keeps one document row per key, for agent
// deployments that share a database instead of a directory.
type PostgresLocalStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLocalStore(dsn string) (*PostgresLocalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLocalStore{
		dsn:       dsn,
		tableName: postgresDocumentTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresLocalStore) Get(key string) (string, bool) {
	if s == nil || key == "" {
		return "", false
	}
	if err := s.ensureReady(); err != nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT doc FROM %s WHERE store_key = $1", postgresQuoteIdentifier(s.tableName))
	var doc string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&doc)
	if err != nil {
		return "", false
	}
	return doc, true
}

func (s *PostgresLocalStore) Set(key, value string) error {
	if s == nil || key == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (store_key, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (store_key)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

func (s *PostgresLocalStore) Remove(key string) {
	if s == nil || key == "" {
		return
	}
	if err := s.ensureReady(); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE store_key = $1", postgresQuoteIdentifier(s.tableName))
	_, _ = s.db.ExecContext(ctx, query, key)
}

func (s *PostgresLocalStore) Keys() []string {
	if s == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT store_key FROM %s ORDER BY store_key ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (s *PostgresLocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresLocalStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				store_key TEXT PRIMARY KEY,
				doc TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// PostgresSyncQueue persists pending writes with one row per key. The
// upsert keeps the original seq so a coalesced entry retains its
// insertion position.
type PostgresSyncQueue struct {
	dsn       string
	tableName string
	queueKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSyncQueue(dsn string) (*PostgresSyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSyncQueue{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		queueKey:  postgresQueueKey,
		openDB:    sql.Open,
	}, nil
}

func (q *PostgresSyncQueue) Enqueue(entry QueueEntry) error {
	if q == nil || entry.Key == "" || entry.ID == "" {
		return ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, entry_key, entry_id, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (queue_key, entry_key)
		DO UPDATE SET entry_id = EXCLUDED.entry_id, payload = EXCLUDED.payload`, postgresQuoteIdentifier(q.tableName))
	_, err = q.db.ExecContext(ctx, query, q.queueKey, entry.Key, entry.ID, string(payload))
	return err
}

func (q *PostgresSyncQueue) Entries() []QueueEntry {
	if q == nil {
		return nil
	}
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY seq ASC", postgresQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	entries := make([]QueueEntry, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		var entry QueueEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil || entry.Key == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func (q *PostgresSyncQueue) Remove(id string) {
	if q == nil || id == "" {
		return
	}
	if err := q.ensureReady(); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND entry_id = $2", postgresQuoteIdentifier(q.tableName))
	_, _ = q.db.ExecContext(ctx, query, q.queueKey, id)
}

func (q *PostgresSyncQueue) RemoveKey(key string) {
	if q == nil || key == "" {
		return
	}
	if err := q.ensureReady(); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND entry_key = $2", postgresQuoteIdentifier(q.tableName))
	_, _ = q.db.ExecContext(ctx, query, q.queueKey, key)
}

func (q *PostgresSyncQueue) Size() int {
	if q == nil {
		return 0
	}
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var size int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&size); err != nil {
		return 0
	}
	return size
}

func (q *PostgresSyncQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *PostgresSyncQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL,
				queue_key TEXT NOT NULL,
				entry_key TEXT NOT NULL,
				entry_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (queue_key, entry_key)
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_seq_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, seq)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
