package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dshills/parlharvest/pkg/types"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// timeLayout is fixed width so stored timestamps compare lexically
	timeLayout = "2006-01-02T15:04:05.000000000Z"

	itemColumns = `item_id, item_type, occurred_on, state, attempt_count, last_error,
		claim_token, payload, updated_at, created_at`
)

// SQLiteStore implements Store using a single SQLite file
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Single connection: pragmas are per connection and SQLite has one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	return db, nil
}

// NewSQLiteStore opens (creating if needed) the queue database at dbPath and
// applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return Open(context.Background(), dbPath)
}

// Open is NewSQLiteStore with a caller supplied context.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	var db *sql.DB
	err := withSchemaLock(ctx, dbPath, func() error {
		var err error
		db, err = openDatabase(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		if err := ApplyMigrations(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (string, error) {
	v, err := SchemaVersion(ctx, s.db)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// typeClause renders an item_type IN (...) condition for filter, or "" for all types.
func typeClause(filter types.TypeFilter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	args := make([]any, len(filter))
	for i, t := range filter {
		args[i] = string(t)
	}
	return " AND item_type IN (" + makePlaceholders(len(filter)) + ")", args
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// querier is an interface that *sql.DB, *sql.Tx and *sql.Conn implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*QueueItem, error) {
	var (
		item       QueueItem
		itemType   string
		occurredOn string
		state      string
		lastError  sql.NullString
		claimToken sql.NullString
		payload    []byte
		updatedAt  string
		createdAt  string
	)
	if err := row.Scan(&item.ItemID, &itemType, &occurredOn, &state, &item.AttemptCount,
		&lastError, &claimToken, &payload, &updatedAt, &createdAt); err != nil {
		return nil, err
	}
	day, err := types.ParseDay(occurredOn)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", item.ItemID, err)
	}
	item.ItemType = types.ItemType(itemType)
	item.OccurredOn = day
	item.State = State(state)
	item.LastError = lastError.String
	item.ClaimToken = claimToken.String
	item.Payload = payload
	item.UpdatedAt = parseTime(updatedAt)
	item.CreatedAt = parseTime(createdAt)
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*QueueItem, error) {
	defer rows.Close()
	var items []*QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func validateNewItem(item NewItem) error {
	if strings.TrimSpace(item.ItemID) == "" {
		return types.ErrMissingItemID
	}
	if !item.ItemType.Valid() {
		return fmt.Errorf("%w: %q", types.ErrUnknownItemType, item.ItemType)
	}
	if item.OccurredOn.IsZero() {
		return fmt.Errorf("%w: item %s has no occurred_on", types.ErrInvalidDay, item.ItemID)
	}
	return nil
}

// Queue operations

// enqueueWithQuerier inserts items, leaving existing rows untouched
func (s *SQLiteStore) enqueueWithQuerier(ctx context.Context, q querier, items []NewItem) (EnqueueResult, error) {
	var result EnqueueResult
	now := formatTime(time.Now())
	for _, item := range items {
		res, err := q.ExecContext(ctx, `
			INSERT INTO queue_items (item_id, item_type, occurred_on, state, attempt_count, payload, updated_at, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT(item_id) DO NOTHING`,
			item.ItemID, string(item.ItemType), item.OccurredOn.String(), string(StatePending),
			item.Payload, now, now)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", item.ItemID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return EnqueueResult{}, err
		}
		if n > 0 {
			result.Inserted++
		} else {
			result.Existing++
		}
	}
	return result, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, items []NewItem) (EnqueueResult, error) {
	if len(items) == 0 {
		return EnqueueResult{}, nil
	}
	for _, item := range items {
		if err := validateNewItem(item); err != nil {
			return EnqueueResult{}, err
		}
	}

	var result EnqueueResult
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		r, err := s.enqueueWithQuerier(ctx, tx, items)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	return result, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, token string, limit int) ([]*QueueItem, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: claim requires a token", ErrInvalidTransition)
	}
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE queue_items
		SET state = ?, attempt_count = attempt_count + 1, claim_token = ?, updated_at = ?
		WHERE item_id IN (
			SELECT item_id FROM queue_items
			WHERE state = ?
			ORDER BY occurred_on, item_id
			LIMIT ?
		) AND state = ?
		RETURNING ` + itemColumns

	var items []*QueueItem
	err := retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query,
			string(StateProcessing), token, formatTime(time.Now()),
			string(StatePending), limit, string(StatePending))
		if err != nil {
			return err
		}
		items, err = scanItems(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}

	// RETURNING order is unspecified
	sort.Slice(items, func(i, j int) bool {
		if !items[i].OccurredOn.Equal(items[j].OccurredOn) {
			return items[i].OccurredOn.Before(items[j].OccurredOn)
		}
		return items[i].ItemID < items[j].ItemID
	})
	return items, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, itemID, token string) error {
	if token == "" {
		return fmt.Errorf("%w: %s has no claim token", ErrClaimLost, itemID)
	}
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_items
		SET updated_at = ?
		WHERE item_id = ? AND state = ? AND claim_token = ?`,
		formatTime(time.Now()), itemID, string(StateProcessing), token)
	if err != nil {
		return fmt.Errorf("touch %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrClaimLost, itemID)
	}
	return nil
}

// finalize moves a claimed item out of PROCESSING, fenced by its claim token
func (s *SQLiteStore) finalize(ctx context.Context, itemID, token string, to State, lastError any) error {
	if !StateProcessing.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StateProcessing, to)
	}
	if token == "" {
		return fmt.Errorf("%w: %s has no claim token", ErrClaimLost, itemID)
	}

	res, err := s.execWithRetry(ctx, `
		UPDATE queue_items
		SET state = ?, last_error = ?, claim_token = NULL, updated_at = ?
		WHERE item_id = ? AND state = ? AND claim_token = ?`,
		string(to), lastError, formatTime(time.Now()),
		itemID, string(StateProcessing), token)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", itemID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	item, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrClaimLost, itemID, item.State)
}

func (s *SQLiteStore) Complete(ctx context.Context, itemID, token string) error {
	return s.finalize(ctx, itemID, token, StateCompleted, nil)
}

func (s *SQLiteStore) Fail(ctx context.Context, itemID, token, msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	return s.finalize(ctx, itemID, token, StateFailed, msg)
}

func (s *SQLiteStore) RetryFailed(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_items
		SET state = ?, last_error = NULL, claim_token = NULL, updated_at = ?
		WHERE state = ?`,
		string(StatePending), formatTime(time.Now()), string(StateFailed))
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RetryFailedIn(ctx context.Context, r types.DateRange, filter types.TypeFilter) (int64, error) {
	clause, typeArgs := typeClause(filter)
	args := []any{string(StatePending), formatTime(time.Now()), string(StateFailed), r.Start.String(), r.End.String()}
	args = append(args, typeArgs...)
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_items
		SET state = ?, last_error = NULL, claim_token = NULL, updated_at = ?
		WHERE state = ? AND occurred_on BETWEEN ? AND ?`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed items in %s: %w", r, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE queue_items
		SET state = ?, claim_token = NULL, updated_at = ?
		WHERE state = ? AND updated_at < ?`,
		string(StatePending), formatTime(time.Now()), string(StateProcessing), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reset stale items: %w", err)
	}
	return res.RowsAffected()
}

// Lookups

func (s *SQLiteStore) Get(ctx context.Context, itemID string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE item_id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	return item, nil
}

func (s *SQLiteStore) ListByDay(ctx context.Context, day types.Day, filter types.TypeFilter) ([]*QueueItem, error) {
	clause, typeArgs := typeClause(filter)
	args := append([]any{day.String()}, typeArgs...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE occurred_on = ?`+clause+` ORDER BY item_type, item_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list items for %s: %w", day, err)
	}
	return scanItems(rows)
}

func (s *SQLiteStore) ListByState(ctx context.Context, state State, limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE state = ? ORDER BY updated_at DESC, item_id LIMIT ?`,
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s items: %w", state, err)
	}
	return scanItems(rows)
}

func (s *SQLiteStore) DailyStats(ctx context.Context, r types.DateRange, filter types.TypeFilter) ([]DayStats, error) {
	clause, typeArgs := typeClause(filter)
	args := append([]any{r.Start.String(), r.End.String()}, typeArgs...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_on, item_type, state, COUNT(1)
		FROM queue_items
		WHERE occurred_on BETWEEN ? AND ?`+clause+`
		GROUP BY occurred_on, item_type, state
		ORDER BY occurred_on, item_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	defer rows.Close()

	var (
		stats []DayStats
		index = make(map[string]int)
	)
	for rows.Next() {
		var day, itemType, state string
		var count int
		if err := rows.Scan(&day, &itemType, &state, &count); err != nil {
			return nil, err
		}
		key := day + "|" + itemType
		i, ok := index[key]
		if !ok {
			d, err := types.ParseDay(day)
			if err != nil {
				return nil, err
			}
			stats = append(stats, DayStats{Day: d, ItemType: types.ItemType(itemType)})
			i = len(stats) - 1
			index[key] = i
		}
		switch State(state) {
		case StatePending:
			stats[i].Pending += count
		case StateProcessing:
			stats[i].Processing += count
		case StateCompleted:
			stats[i].Completed += count
		case StateFailed:
			stats[i].Failed += count
		}
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM queue_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int, len(AllStates))
	for _, st := range AllStates {
		stats[st] = 0
	}
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) DateBounds(ctx context.Context, filter types.TypeFilter) (types.Day, types.Day, bool, error) {
	clause, args := typeClause(filter)
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(occurred_on), MAX(occurred_on) FROM queue_items WHERE 1=1`+clause, args...).Scan(&first, &last)
	if err != nil {
		return types.Day{}, types.Day{}, false, fmt.Errorf("date bounds: %w", err)
	}
	if !first.Valid || !last.Valid {
		return types.Day{}, types.Day{}, false, nil
	}
	f, err := types.ParseDay(first.String)
	if err != nil {
		return types.Day{}, types.Day{}, false, err
	}
	l, err := types.ParseDay(last.String)
	if err != nil {
		return types.Day{}, types.Day{}, false, err
	}
	return f, l, true, nil
}

// OpenDB opens a SQLite database with the store's connection settings
// (single connection, WAL, busy timeout). Other SQLite backed components
// use it so every file in the deployment behaves the same way.
func OpenDB(path string) (*sql.DB, error) {
	return openDatabase(path)
}

// RetryOnBusy runs op, retrying with backoff while SQLite reports the
// database as busy or locked.
func RetryOnBusy(ctx context.Context, op func() error) error {
	return retryOnBusy(ctx, op)
}
