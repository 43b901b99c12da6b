package push_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3jakoa/bonibuddy-push/pkg/push"
)

// storageBackends returns a constructor per storage implementation so
// every behavior test runs against both the in-memory and the SQLite
// backend. Postgres follows the same contract but needs a server, so it
// is exercised in integration environments only.
func storageBackends() map[string]func(t *testing.T) push.Storage {
	return map[string]func(t *testing.T) push.Storage{
		"memory": func(t *testing.T) push.Storage {
			t.Helper()
			return push.NewMemoryStorage()
		},
		"sqlite": func(t *testing.T) push.Storage {
			t.Helper()
			store, err := push.OpenSQLite(filepath.Join(t.TempDir(), "push.sqlite3"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func newTestSubscription(endpoint, deviceID, userID string) *push.Subscription {
	now := time.Now().UTC().Truncate(time.Second)
	return &push.Subscription{
		Endpoint:   endpoint,
		P256dh:     "p256dh-" + deviceID,
		Auth:       "auth-" + deviceID,
		DeviceID:   deviceID,
		UserID:     userID,
		ClientMode: push.ClientModeStandalone,
		Status:     push.SubscriptionStatusActive,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestStorageUpsertSubscription(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()

			id, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", "alice"))
			require.NoError(t, err)
			require.Positive(t, id)

			// Same endpoint with fresh keys and a new owner updates in
			// place instead of creating a second row.
			updated := newTestSubscription("https://push.example.com/ep-1", "device-2", "bob")
			updated.P256dh = "rotated-p256dh"
			updated.Auth = "rotated-auth"

			again, err := store.UpsertSubscription(ctx, updated)
			require.NoError(t, err)
			assert.Equal(t, id, again)

			sub, err := store.SubscriptionByEndpoint(ctx, "https://push.example.com/ep-1")
			require.NoError(t, err)
			assert.Equal(t, "rotated-p256dh", sub.P256dh)
			assert.Equal(t, "rotated-auth", sub.Auth)
			assert.Equal(t, "device-2", sub.DeviceID)
			assert.Equal(t, "bob", sub.UserID)
			assert.Equal(t, push.SubscriptionStatusActive, sub.Status)
		})
	}
}

func TestStorageUpsertReactivates(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC()

			id, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)

			count, err := store.DeactivateSubscriptions(ctx, "device-1", "", now)
			require.NoError(t, err)
			require.EqualValues(t, 1, count)

			again, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)
			assert.Equal(t, id, again)

			sub, err := store.SubscriptionByEndpoint(ctx, "https://push.example.com/ep-1")
			require.NoError(t, err)
			assert.Equal(t, push.SubscriptionStatusActive, sub.Status)
		})
	}
}

func TestStorageDeactivateSubscriptions(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC()

			_, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)
			_, err = store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-2", "device-2", ""))
			require.NoError(t, err)
			_, err = store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-3", "device-3", ""))
			require.NoError(t, err)

			// Device id and endpoint are alternatives: a row matching
			// either one goes inactive.
			count, err := store.DeactivateSubscriptions(ctx, "device-1", "https://push.example.com/ep-2", now)
			require.NoError(t, err)
			assert.EqualValues(t, 2, count)

			// Already-inactive rows are not counted again.
			count, err = store.DeactivateSubscriptions(ctx, "device-1", "", now)
			require.NoError(t, err)
			assert.EqualValues(t, 0, count)

			sub, err := store.SubscriptionByEndpoint(ctx, "https://push.example.com/ep-3")
			require.NoError(t, err)
			assert.Equal(t, push.SubscriptionStatusActive, sub.Status)
		})
	}
}

func TestStorageSubscriptionNotFound(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)

			_, err := store.SubscriptionByEndpoint(context.Background(), "https://push.example.com/missing")
			assert.ErrorIs(t, err, push.ErrSubscriptionNotFound)
		})
	}
}

func TestStorageCreateEventFanOut(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			_, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-alice", "device-alice", "alice"))
			require.NoError(t, err)
			_, err = store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-bob", "device-bob", "bob"))
			require.NoError(t, err)
			anonID, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-anon", "device-anon", ""))
			require.NoError(t, err)
			_, err = store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-gone", "device-gone", ""))
			require.NoError(t, err)
			_, err = store.DeactivateSubscriptions(ctx, "device-gone", "", now)
			require.NoError(t, err)

			event := &push.Event{
				EventType:       push.EventTypeSlotPublished,
				RestaurantID:    "gostilna_pri_kolovratu",
				GoTime:          "12:30",
				PublisherUserID: "alice",
				CreatedAt:       now,
			}
			// Publisher matching is case-insensitive; the anonymous
			// device is excluded by device id.
			filter := push.TargetFilter{ExcludeUserID: "ALICE", ExcludeDeviceID: "device-anon"}

			eventID, targeted, err := store.CreateEventFanOut(ctx, event, filter)
			require.NoError(t, err)
			require.Positive(t, eventID)
			assert.Equal(t, 1, targeted)

			deliveries, err := store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			require.Len(t, deliveries, 1)
			assert.Equal(t, push.DeliveryStatusPending, deliveries[0].Status)
			assert.Equal(t, 0, deliveries[0].AttemptCount)
			assert.NotEqual(t, anonID, deliveries[0].SubscriptionID)
		})
	}
}

func TestStorageEnqueueDeliveriesIdempotent(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			_, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)

			event := &push.Event{
				EventType:    push.EventTypeSlotPublished,
				RestaurantID: "marjetica",
				GoTime:       "12:00",
				CreatedAt:    now,
			}
			eventID, targeted, err := store.CreateEventFanOut(ctx, event, push.TargetFilter{})
			require.NoError(t, err)
			require.Equal(t, 1, targeted)

			// Replaying fan-out for the same event inserts nothing new.
			inserted, err := store.EnqueueDeliveries(ctx, eventID, push.TargetFilter{}, now)
			require.NoError(t, err)
			assert.Zero(t, inserted)

			// A subscription registered after the event is picked up by
			// a replay, and only that one.
			_, err = store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-2", "device-2", ""))
			require.NoError(t, err)

			inserted, err = store.EnqueueDeliveries(ctx, eventID, push.TargetFilter{}, now)
			require.NoError(t, err)
			assert.Equal(t, 1, inserted)

			deliveries, err := store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			assert.Len(t, deliveries, 2)
		})
	}
}

func TestStorageDueDeliveries(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			_, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)
			_, err = store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-2", "device-2", ""))
			require.NoError(t, err)

			event := &push.Event{
				EventType:    push.EventTypeSlotPublished,
				RestaurantID: "marjetica",
				GoTime:       "12:00",
				CreatedAt:    now,
			}
			eventID, targeted, err := store.CreateEventFanOut(ctx, event, push.TargetFilter{})
			require.NoError(t, err)
			require.Equal(t, 2, targeted)

			deliveries, err := store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			require.Len(t, deliveries, 2)

			// Push the first row into the future: it must drop out of
			// the due set, and the remaining row keeps its earlier slot.
			err = store.MarkRetry(ctx, deliveries[0].ID, 1, now.Add(time.Hour), "boom", now)
			require.NoError(t, err)

			due, err := store.DueDeliveries(ctx, now, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, deliveries[1].ID, due[0].DeliveryID)

			// Once the clock passes the retry slot both are due again,
			// ordered by next-attempt time.
			due, err = store.DueDeliveries(ctx, now.Add(2*time.Hour), 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, deliveries[1].ID, due[0].DeliveryID)
			assert.Equal(t, deliveries[0].ID, due[1].DeliveryID)
			assert.Equal(t, 1, due[1].AttemptCount)

			// The limit caps the batch.
			due, err = store.DueDeliveries(ctx, now.Add(2*time.Hour), 1)
			require.NoError(t, err)
			assert.Len(t, due, 1)
		})
	}
}

func TestStorageDueDeliveriesSkipInactive(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			_, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)

			event := &push.Event{
				EventType:    push.EventTypeSlotPublished,
				RestaurantID: "marjetica",
				GoTime:       "12:00",
				CreatedAt:    now,
			}
			_, targeted, err := store.CreateEventFanOut(ctx, event, push.TargetFilter{})
			require.NoError(t, err)
			require.Equal(t, 1, targeted)

			// Unsubscribing between fan-out and delivery leaves the row
			// behind but the worker never picks it up.
			_, err = store.DeactivateSubscriptions(ctx, "device-1", "", now)
			require.NoError(t, err)

			due, err := store.DueDeliveries(ctx, now, 10)
			require.NoError(t, err)
			assert.Empty(t, due)
		})
	}
}

func TestStorageMarkTransitions(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			_, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)

			event := &push.Event{
				EventType:    push.EventTypeSlotPublished,
				RestaurantID: "marjetica",
				GoTime:       "12:00",
				CreatedAt:    now,
			}
			eventID, _, err := store.CreateEventFanOut(ctx, event, push.TargetFilter{})
			require.NoError(t, err)

			deliveries, err := store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			require.Len(t, deliveries, 1)
			deliveryID := deliveries[0].ID

			err = store.MarkRetry(ctx, deliveryID, 1, now.Add(15*time.Second), "status 500", now)
			require.NoError(t, err)

			deliveries, err = store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			require.Len(t, deliveries, 1)
			assert.Equal(t, push.DeliveryStatusRetry, deliveries[0].Status)
			assert.Equal(t, 1, deliveries[0].AttemptCount)
			require.NotNil(t, deliveries[0].LastError)
			assert.Equal(t, "status 500", *deliveries[0].LastError)
			assert.WithinDuration(t, now.Add(15*time.Second), deliveries[0].NextAttemptAt, time.Second)

			// A successful attempt clears the recorded error.
			err = store.MarkDelivered(ctx, deliveryID, 2, now)
			require.NoError(t, err)

			deliveries, err = store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			require.Len(t, deliveries, 1)
			assert.Equal(t, push.DeliveryStatusDelivered, deliveries[0].Status)
			assert.Equal(t, 2, deliveries[0].AttemptCount)
			assert.Nil(t, deliveries[0].LastError)
			require.NotNil(t, deliveries[0].DeliveredAt)
			assert.WithinDuration(t, now, *deliveries[0].DeliveredAt, time.Second)
		})
	}
}

func TestStorageMarkFailedPermanent(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			subID, err := store.UpsertSubscription(ctx, newTestSubscription("https://push.example.com/ep-1", "device-1", ""))
			require.NoError(t, err)

			event := &push.Event{
				EventType:    push.EventTypeSlotPublished,
				RestaurantID: "marjetica",
				GoTime:       "12:00",
				CreatedAt:    now,
			}
			eventID, _, err := store.CreateEventFanOut(ctx, event, push.TargetFilter{})
			require.NoError(t, err)

			deliveries, err := store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			require.Len(t, deliveries, 1)

			err = store.MarkFailedPermanent(ctx, deliveries[0].ID, subID, 1, "status 410", true, now)
			require.NoError(t, err)

			deliveries, err = store.DeliveriesByEvent(ctx, eventID)
			require.NoError(t, err)
			require.Len(t, deliveries, 1)
			assert.Equal(t, push.DeliveryStatusFailedPermanent, deliveries[0].Status)
			require.NotNil(t, deliveries[0].LastError)
			assert.Equal(t, "status 410", *deliveries[0].LastError)

			// The endpoint was confirmed gone, so the subscription goes
			// inactive in the same unit of work.
			sub, err := store.SubscriptionByEndpoint(ctx, "https://push.example.com/ep-1")
			require.NoError(t, err)
			assert.Equal(t, push.SubscriptionStatusInactive, sub.Status)
		})
	}
}
