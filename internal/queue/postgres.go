package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/linearsync/internal/notify"
)

const (
	postgresQueueTableName    = "linearsync_notification_queue"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 10 * time.Millisecond
	postgresInitRetryInterval = time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue stores pending notifications as JSON rows. Enqueue holds a
// transaction-scoped advisory lock so the capacity check and insert are
// atomic across processes; Dequeue claims the oldest row with SKIP LOCKED.
type PostgresQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initRetry time.Duration

	mu           sync.Mutex
	db           *sql.DB
	initErr      error
	initFailedAt time.Time
}

func NewPostgresQueue(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PostgresQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
		initRetry:    postgresInitRetryInterval,
	}, nil
}

// conn opens the pool and creates the queue table on first use. A failed
// attempt is retried once initRetry has passed; until then its error is
// returned.
func (q *PostgresQueue) conn() (*sql.DB, error) {
	if q == nil {
		return nil, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db != nil {
		return q.db, nil
	}
	if q.initErr != nil && time.Since(q.initFailedAt) < q.initRetry {
		return nil, q.initErr
	}
	db, err := q.initialise()
	if err != nil {
		q.initErr = err
		q.initFailedAt = time.Now()
		return nil, err
	}
	q.db = db
	q.initErr = nil
	return db, nil
}

func (q *PostgresQueue) initialise() (*sql.DB, error) {
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres queue: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			queue_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create postgres queue table: %w", err)
	}
	indexName := q.tableName + "_queue_key_id_idx"
	createIndexQuery := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
		postgresQuoteIdentifier(indexName),
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create postgres queue index: %w", err)
	}
	return db, nil
}

// Ready connects, prepares the table and pings the server.
func (q *PostgresQueue) Ready(ctx context.Context) error {
	db, err := q.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres queue: %w", err)
	}
	return nil
}

func (q *PostgresQueue) TryEnqueue(n notify.Notification) bool {
	return q.Offer(n) == nil
}

func (q *PostgresQueue) Offer(n notify.Notification) error {
	if !queueable(n) {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	db, err := q.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, n notify.Notification) bool {
	if !queueable(n) {
		return false
	}
	for {
		if q.TryEnqueue(n) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (notify.Notification, bool) {
	for {
		n, ok := q.tryDequeue(ctx)
		if ok {
			return n, true
		}
		select {
		case <-ctx.Done():
			return notify.Notification{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) tryDequeue(ctx context.Context) (notify.Notification, bool) {
	db, err := q.conn()
	if err != nil {
		return notify.Notification{}, false
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return notify.Notification{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, false
	}
	if err != nil {
		return notify.Notification{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return notify.Notification{}, false
	}
	if err := tx.Commit(); err != nil {
		return notify.Notification{}, false
	}
	committed = true

	// A row that no longer decodes is dropped rather than blocking the queue.
	var n notify.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notify.Notification{}, false
	}
	return n, true
}

func (q *PostgresQueue) Depth() int {
	db, err := q.conn()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
