package push

import (
	"context"
	"time"
)

// RegistryRepository defines the persistence operations behind the
// subscription registry.
type RegistryRepository interface {
	// UpsertSubscription inserts the subscription or, when a row with the
	// same endpoint exists, updates it in place with the new keys and
	// owners, always resetting status to active and refreshing last-seen.
	// Returns the durable subscription id. The write must be committed
	// before the call returns.
	UpsertSubscription(ctx context.Context, sub *Subscription) (int64, error)

	// DeactivateSubscriptions flags active rows matching the device id or
	// endpoint (either may be empty, not both) as inactive and returns the
	// number of rows changed.
	DeactivateSubscriptions(ctx context.Context, deviceID, endpoint string, now time.Time) (int64, error)
}

// PlannerRepository defines the persistence operations behind event
// creation and fan-out.
type PlannerRepository interface {
	// CreateEventFanOut atomically inserts the event and one pending
	// delivery row per active standalone subscription passing the filter,
	// with next-attempt time equal to the event's creation time. Returns
	// the event id and the count of newly inserted delivery rows. Either
	// the event and all its rows exist, or none do.
	CreateEventFanOut(ctx context.Context, event *Event, filter TargetFilter) (int64, int, error)

	// EnqueueDeliveries re-runs fan-out for an existing event. Inserts are
	// idempotent on the (event, subscription) pair, so replaying fan-out
	// never duplicates rows; the returned count covers new rows only.
	EnqueueDeliveries(ctx context.Context, eventID int64, filter TargetFilter, now time.Time) (int, error)
}

// WorkerRepository defines the persistence operations behind the
// delivery worker's state machine. Each Mark method is one durable
// read-modify-write; the engine runs a single worker, so no
// compare-and-swap is required beyond row identity.
type WorkerRepository interface {
	// DueDeliveries returns up to limit rows in pending or retry status
	// whose next-attempt time is at or before now and whose subscription
	// is still active, ordered by next-attempt time then row id.
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]DueDelivery, error)

	// MarkDelivered moves the row to delivered with the given attempt
	// count, sets the delivered timestamp, and clears the last error.
	MarkDelivered(ctx context.Context, deliveryID int64, attemptCount int, now time.Time) error

	// MarkRetry moves the row to retry with the given attempt count,
	// next-attempt time, and error text.
	MarkRetry(ctx context.Context, deliveryID int64, attemptCount int, nextAttemptAt time.Time, errText string, now time.Time) error

	// MarkFailedPermanent moves the row to failed_permanent with the given
	// attempt count and error text. When deactivateSubscription is set the
	// owning subscription is flipped to inactive in the same unit of work.
	MarkFailedPermanent(ctx context.Context, deliveryID, subscriptionID int64, attemptCount int, errText string, deactivateSubscription bool, now time.Time) error
}

// ReaderRepository exposes read access for audit endpoints and tests.
type ReaderRepository interface {
	SubscriptionByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
	DeliveriesByEvent(ctx context.Context, eventID int64) ([]Delivery, error)
}

// Storage composes all repository interfaces. Implementations must make
// every multi-row change atomic: partial fan-outs or half-applied state
// transitions are never observable.
type Storage interface {
	RegistryRepository
	PlannerRepository
	WorkerRepository
	ReaderRepository

	Close() error
}
