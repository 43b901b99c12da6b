package push

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStorage is the default durable store: a single SQLite file in
// WAL mode. WAL keeps readers unblocked during writes and the busy
// timeout turns lock contention between the producer and the worker
// into a short stall instead of an error.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite creates or opens the engine database at the given path,
// applying pragmas and the schema. Safe to call on an existing
// database.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY between the producer and the worker.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 3000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// UpsertSubscription implements RegistryRepository.
func (s *SQLiteStorage) UpsertSubscription(ctx context.Context, sub *Subscription) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (
			endpoint, p256dh, auth, device_id, user_id, client_mode, status, last_seen_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			p256dh=excluded.p256dh,
			auth=excluded.auth,
			device_id=excluded.device_id,
			user_id=excluded.user_id,
			client_mode=excluded.client_mode,
			status='active',
			last_seen_at=excluded.last_seen_at,
			updated_at=excluded.updated_at`,
		sub.Endpoint, sub.P256dh, sub.Auth,
		nullString(sub.DeviceID), nullString(sub.UserID), sub.ClientMode,
		sub.LastSeenAt.UTC(), sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	); err != nil {
		return 0, fmt.Errorf("upsert subscription: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM push_subscriptions WHERE endpoint = ?`, sub.Endpoint,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("read back subscription id: %w", err)
	}
	return id, nil
}

// DeactivateSubscriptions implements RegistryRepository.
func (s *SQLiteStorage) DeactivateSubscriptions(ctx context.Context, deviceID, endpoint string, now time.Time) (int64, error) {
	clause, args := identifierClause(deviceID, endpoint)
	if clause == "" {
		return 0, ErrMissingIdentifier
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE push_subscriptions
		 SET status='inactive', updated_at=?
		 WHERE status='active' AND (`+clause+`)`,
		append([]any{now.UTC()}, args...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate subscriptions: %w", err)
	}
	return res.RowsAffected()
}

// CreateEventFanOut implements PlannerRepository.
func (s *SQLiteStorage) CreateEventFanOut(ctx context.Context, event *Event, filter TargetFilter) (int64, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin fan-out: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO push_events (event_type, restaurant_id, go_time, publisher_user_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType, event.RestaurantID, event.GoTime,
		nullString(event.PublisherUserID), event.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("event id: %w", err)
	}

	targeted, err := enqueueDeliveriesTx(ctx, tx, eventID, filter, event.CreatedAt.UTC())
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit fan-out: %w", err)
	}
	return eventID, targeted, nil
}

// EnqueueDeliveries implements PlannerRepository.
func (s *SQLiteStorage) EnqueueDeliveries(ctx context.Context, eventID int64, filter TargetFilter, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin fan-out: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	targeted, err := enqueueDeliveriesTx(ctx, tx, eventID, filter, now.UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit fan-out: %w", err)
	}
	return targeted, nil
}

func enqueueDeliveriesTx(ctx context.Context, tx *sql.Tx, eventID int64, filter TargetFilter, now time.Time) (int, error) {
	query := `SELECT id FROM push_subscriptions WHERE status = 'active' AND client_mode = ?`
	args := []any{ClientModeStandalone}
	if filter.ExcludeUserID != "" {
		query += ` AND (user_id IS NULL OR lower(user_id) != lower(?))`
		args = append(args, filter.ExcludeUserID)
	}
	if filter.ExcludeDeviceID != "" {
		query += ` AND (device_id IS NULL OR device_id != ?)`
		args = append(args, filter.ExcludeDeviceID)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select fan-out targets: %w", err)
	}
	var subIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan target: %w", err)
		}
		subIDs = append(subIDs, id)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("read targets: %w", err)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read targets: %w", err)
	}

	targeted := 0
	for _, subID := range subIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO push_delivery_queue (
				event_id, subscription_id, status, attempt_count, next_attempt_at, last_error, delivered_at, created_at, updated_at
			) VALUES (?, ?, 'pending', 0, ?, NULL, NULL, ?, ?)`,
			eventID, subID, now, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("enqueue delivery: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("enqueue delivery: %w", err)
		}
		targeted += int(n)
	}
	return targeted, nil
}

// DueDeliveries implements WorkerRepository.
func (s *SQLiteStorage) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]DueDelivery, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			q.id, q.subscription_id, q.attempt_count,
			s.endpoint, s.p256dh, s.auth,
			e.restaurant_id, e.go_time
		FROM push_delivery_queue q
		INNER JOIN push_subscriptions s ON s.id = q.subscription_id
		INNER JOIN push_events e ON e.id = q.event_id
		WHERE q.status IN ('pending', 'retry')
		  AND q.next_attempt_at <= ?
		  AND s.status = 'active'
		ORDER BY q.next_attempt_at ASC, q.id ASC
		LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []DueDelivery
	for rows.Next() {
		var d DueDelivery
		if err := rows.Scan(
			&d.DeliveryID, &d.SubscriptionID, &d.AttemptCount,
			&d.Endpoint, &d.P256dh, &d.Auth,
			&d.RestaurantID, &d.GoTime,
		); err != nil {
			return nil, fmt.Errorf("scan due delivery: %w", err)
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read due deliveries: %w", err)
	}
	return due, nil
}

// MarkDelivered implements WorkerRepository.
func (s *SQLiteStorage) MarkDelivered(ctx context.Context, deliveryID int64, attemptCount int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_delivery_queue
		SET status='delivered', attempt_count=?, delivered_at=?, updated_at=?, last_error=NULL
		WHERE id=?`,
		attemptCount, now.UTC(), now.UTC(), deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRetry implements WorkerRepository.
func (s *SQLiteStorage) MarkRetry(ctx context.Context, deliveryID int64, attemptCount int, nextAttemptAt time.Time, errText string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_delivery_queue
		SET status='retry', attempt_count=?, next_attempt_at=?, updated_at=?, last_error=?
		WHERE id=?`,
		attemptCount, nextAttemptAt.UTC(), now.UTC(), errText, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

// MarkFailedPermanent implements WorkerRepository. The queue update and
// the optional subscription deactivation commit together.
func (s *SQLiteStorage) MarkFailedPermanent(ctx context.Context, deliveryID, subscriptionID int64, attemptCount int, errText string, deactivateSubscription bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin permanent failure: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE push_delivery_queue
		SET status='failed_permanent', attempt_count=?, updated_at=?, last_error=?
		WHERE id=?`,
		attemptCount, now.UTC(), errText, deliveryID,
	); err != nil {
		return fmt.Errorf("mark failed permanent: %w", err)
	}

	if deactivateSubscription {
		if _, err := tx.ExecContext(ctx,
			`UPDATE push_subscriptions SET status='inactive', updated_at=? WHERE id=?`,
			now.UTC(), subscriptionID,
		); err != nil {
			return fmt.Errorf("deactivate subscription: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit permanent failure: %w", err)
	}
	return nil
}

// SubscriptionByEndpoint implements ReaderRepository.
func (s *SQLiteStorage) SubscriptionByEndpoint(ctx context.Context, endpoint string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, endpoint, p256dh, auth, device_id, user_id, client_mode, status, last_seen_at, created_at, updated_at
		FROM push_subscriptions WHERE endpoint = ?`, endpoint)

	var sub Subscription
	var deviceID, userID sql.NullString
	if err := row.Scan(
		&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth,
		&deviceID, &userID, &sub.ClientMode, &sub.Status,
		&sub.LastSeenAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	sub.DeviceID = deviceID.String
	sub.UserID = userID.String
	return &sub, nil
}

// DeliveriesByEvent implements ReaderRepository.
func (s *SQLiteStorage) DeliveriesByEvent(ctx context.Context, eventID int64) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, subscription_id, status, attempt_count, next_attempt_at, last_error, delivered_at, created_at, updated_at
		FROM push_delivery_queue WHERE event_id = ? ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		var lastError sql.NullString
		var deliveredAt sql.NullTime
		if err := rows.Scan(
			&d.ID, &d.EventID, &d.SubscriptionID, &d.Status, &d.AttemptCount,
			&d.NextAttemptAt, &lastError, &deliveredAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if lastError.Valid {
			d.LastError = &lastError.String
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			d.DeliveredAt = &t
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read deliveries: %w", err)
	}
	return deliveries, nil
}

// Ping verifies the database connection, for health checks.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func identifierClause(deviceID, endpoint string) (string, []any) {
	var clauses []string
	var args []any
	if deviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, deviceID)
	}
	if endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, endpoint)
	}
	switch len(clauses) {
	case 0:
		return "", nil
	case 1:
		return clauses[0], args
	default:
		return clauses[0] + " OR " + clauses[1], args
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
