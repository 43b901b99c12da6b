package push

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

var errPostgresUnreachable = errors.New("failed to open postgres connection")

// PostgresConfig holds the connection settings for the Postgres
// backend.
type PostgresConfig struct {
	ConnURL       string        `env:"PUSH_PG_CONN_URL"`
	RetryAttempts int           `env:"PUSH_PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"PUSH_PG_RETRY_INTERVAL" envDefault:"5s"`
}

// PostgresStorage implements Storage on a pgx connection pool, for
// deployments where the engine shares a hosted database instead of a
// local SQLite file.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to Postgres with retry and applies the engine's
// migrations. Retries back off linearly so a restarting database isn't
// hammered.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStorage, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	var pool *pgxpool.Pool
	for i := range cfg.RetryAttempts {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		pool = nil
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	if pool == nil {
		return nil, errors.Join(errPostgresUnreachable, err)
	}

	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStorage{pool: pool}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	// goose speaks database/sql, so bridge the pgx pool through stdlib.
	db := stdlib.OpenDBFromPool(pool)
	defer func(db *sql.DB) { _ = db.Close() }(db)

	goose.SetBaseFS(pgMigrations)
	goose.SetTableName("push_schema_migrations")
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// UpsertSubscription implements RegistryRepository.
func (s *PostgresStorage) UpsertSubscription(ctx context.Context, sub *Subscription) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO push_subscriptions (
			endpoint, p256dh, auth, device_id, user_id, client_mode, status, last_seen_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, $9)
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh=excluded.p256dh,
			auth=excluded.auth,
			device_id=excluded.device_id,
			user_id=excluded.user_id,
			client_mode=excluded.client_mode,
			status='active',
			last_seen_at=excluded.last_seen_at,
			updated_at=excluded.updated_at
		RETURNING id`,
		sub.Endpoint, sub.P256dh, sub.Auth,
		nullString(sub.DeviceID), nullString(sub.UserID), sub.ClientMode,
		sub.LastSeenAt.UTC(), sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert subscription: %w", err)
	}
	return id, nil
}

// DeactivateSubscriptions implements RegistryRepository.
func (s *PostgresStorage) DeactivateSubscriptions(ctx context.Context, deviceID, endpoint string, now time.Time) (int64, error) {
	var (
		clause string
		args   []any
	)
	args = append(args, now.UTC())
	switch {
	case deviceID != "" && endpoint != "":
		clause = "device_id = $2 OR endpoint = $3"
		args = append(args, deviceID, endpoint)
	case deviceID != "":
		clause = "device_id = $2"
		args = append(args, deviceID)
	case endpoint != "":
		clause = "endpoint = $2"
		args = append(args, endpoint)
	default:
		return 0, ErrMissingIdentifier
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE push_subscriptions
		SET status='inactive', updated_at=$1
		WHERE status='active' AND (`+clause+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateEventFanOut implements PlannerRepository.
func (s *PostgresStorage) CreateEventFanOut(ctx context.Context, event *Event, filter TargetFilter) (int64, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin fan-out: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO push_events (event_type, restaurant_id, go_time, publisher_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		event.EventType, event.RestaurantID, event.GoTime,
		nullString(event.PublisherUserID), event.CreatedAt.UTC(),
	).Scan(&eventID); err != nil {
		return 0, 0, fmt.Errorf("insert event: %w", err)
	}

	targeted, err := s.enqueueTx(ctx, tx, eventID, filter, event.CreatedAt.UTC())
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit fan-out: %w", err)
	}
	return eventID, targeted, nil
}

// EnqueueDeliveries implements PlannerRepository.
func (s *PostgresStorage) EnqueueDeliveries(ctx context.Context, eventID int64, filter TargetFilter, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin fan-out: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	targeted, err := s.enqueueTx(ctx, tx, eventID, filter, now.UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit fan-out: %w", err)
	}
	return targeted, nil
}

func (s *PostgresStorage) enqueueTx(ctx context.Context, tx pgx.Tx, eventID int64, filter TargetFilter, now time.Time) (int, error) {
	query := `SELECT id FROM push_subscriptions WHERE status = 'active' AND client_mode = $1`
	args := []any{ClientModeStandalone}
	if filter.ExcludeUserID != "" {
		args = append(args, filter.ExcludeUserID)
		query += fmt.Sprintf(` AND (user_id IS NULL OR lower(user_id) != lower($%d))`, len(args))
	}
	if filter.ExcludeDeviceID != "" {
		args = append(args, filter.ExcludeDeviceID)
		query += fmt.Sprintf(` AND (device_id IS NULL OR device_id != $%d)`, len(args))
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select fan-out targets: %w", err)
	}
	subIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, fmt.Errorf("read targets: %w", err)
	}

	targeted := 0
	for _, subID := range subIDs {
		tag, err := tx.Exec(ctx, `
			INSERT INTO push_delivery_queue (
				event_id, subscription_id, status, attempt_count, next_attempt_at, last_error, delivered_at, created_at, updated_at
			) VALUES ($1, $2, 'pending', 0, $3, NULL, NULL, $4, $5)
			ON CONFLICT (event_id, subscription_id) DO NOTHING`,
			eventID, subID, now, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("enqueue delivery: %w", err)
		}
		targeted += int(tag.RowsAffected())
	}
	return targeted, nil
}

// DueDeliveries implements WorkerRepository.
func (s *PostgresStorage) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]DueDelivery, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT
			q.id, q.subscription_id, q.attempt_count,
			s.endpoint, s.p256dh, s.auth,
			e.restaurant_id, e.go_time
		FROM push_delivery_queue q
		INNER JOIN push_subscriptions s ON s.id = q.subscription_id
		INNER JOIN push_events e ON e.id = q.event_id
		WHERE q.status IN ('pending', 'retry')
		  AND q.next_attempt_at <= $1
		  AND s.status = 'active'
		ORDER BY q.next_attempt_at ASC, q.id ASC
		LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	defer rows.Close()

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
func (s *PostgresStorage) MarkDelivered(ctx context.Context, deliveryID int64, attemptCount int, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE push_delivery_queue
		SET status='delivered', attempt_count=$1, delivered_at=$2, updated_at=$2, last_error=NULL
		WHERE id=$3`,
		attemptCount, now.UTC(), deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRetry implements WorkerRepository.
func (s *PostgresStorage) MarkRetry(ctx context.Context, deliveryID int64, attemptCount int, nextAttemptAt time.Time, errText string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE push_delivery_queue
		SET status='retry', attempt_count=$1, next_attempt_at=$2, updated_at=$3, last_error=$4
		WHERE id=$5`,
		attemptCount, nextAttemptAt.UTC(), now.UTC(), errText, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

// MarkFailedPermanent implements WorkerRepository.
func (s *PostgresStorage) MarkFailedPermanent(ctx context.Context, deliveryID, subscriptionID int64, attemptCount int, errText string, deactivateSubscription bool, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin permanent failure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE push_delivery_queue
		SET status='failed_permanent', attempt_count=$1, updated_at=$2, last_error=$3
		WHERE id=$4`,
		attemptCount, now.UTC(), errText, deliveryID,
	); err != nil {
		return fmt.Errorf("mark failed permanent: %w", err)
	}

	if deactivateSubscription {
		if _, err := tx.Exec(ctx,
			`UPDATE push_subscriptions SET status='inactive', updated_at=$1 WHERE id=$2`,
			now.UTC(), subscriptionID,
		); err != nil {
			return fmt.Errorf("deactivate subscription: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit permanent failure: %w", err)
	}
	return nil
}

// SubscriptionByEndpoint implements ReaderRepository.
func (s *PostgresStorage) SubscriptionByEndpoint(ctx context.Context, endpoint string) (*Subscription, error) {
	var sub Subscription
	var deviceID, userID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, endpoint, p256dh, auth, device_id, user_id, client_mode, status, last_seen_at, created_at, updated_at
		FROM push_subscriptions WHERE endpoint = $1`, endpoint,
	).Scan(
		&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth,
		&deviceID, &userID, &sub.ClientMode, &sub.Status,
		&sub.LastSeenAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	if deviceID != nil {
		sub.DeviceID = *deviceID
	}
	if userID != nil {
		sub.UserID = *userID
	}
	return &sub, nil
}

// DeliveriesByEvent implements ReaderRepository.
func (s *PostgresStorage) DeliveriesByEvent(ctx context.Context, eventID int64) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, subscription_id, status, attempt_count, next_attempt_at, last_error, delivered_at, created_at, updated_at
		FROM push_delivery_queue WHERE event_id = $1 ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(
			&d.ID, &d.EventID, &d.SubscriptionID, &d.Status, &d.AttemptCount,
			&d.NextAttemptAt, &d.LastError, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read deliveries: %w", err)
	}
	return deliveries, nil
}

// Ping verifies the database connection, for health checks.
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
