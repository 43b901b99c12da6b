package push

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage implements Storage in memory for tests and local
// development. Every method takes the single mutex, which gives the
// same all-or-nothing visibility the durable backends get from
// transactions.
type MemoryStorage struct {
	mu sync.Mutex

	subs       map[int64]*Subscription
	byEndpoint map[string]int64
	events     map[int64]*Event
	deliveries map[int64]*Delivery
	byPair     map[[2]int64]int64 // (event, subscription) -> delivery id

	nextSubID      int64
	nextEventID    int64
	nextDeliveryID int64
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		subs:       make(map[int64]*Subscription),
		byEndpoint: make(map[string]int64),
		events:     make(map[int64]*Event),
		deliveries: make(map[int64]*Delivery),
		byPair:     make(map[[2]int64]int64),
	}
}

// Close implements Storage.
func (ms *MemoryStorage) Close() error { return nil }

// Ping reports storage health; the in-memory store is always healthy.
func (ms *MemoryStorage) Ping(ctx context.Context) error { return nil }

// UpsertSubscription implements RegistryRepository.
func (ms *MemoryStorage) UpsertSubscription(ctx context.Context, sub *Subscription) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if id, ok := ms.byEndpoint[sub.Endpoint]; ok {
		existing := ms.subs[id]
		existing.P256dh = sub.P256dh
		existing.Auth = sub.Auth
		existing.DeviceID = sub.DeviceID
		existing.UserID = sub.UserID
		existing.ClientMode = sub.ClientMode
		existing.Status = SubscriptionStatusActive
		existing.LastSeenAt = sub.LastSeenAt
		existing.UpdatedAt = sub.UpdatedAt
		return id, nil
	}

	ms.nextSubID++
	id := ms.nextSubID
	stored := *sub
	stored.ID = id
	stored.Status = SubscriptionStatusActive
	ms.subs[id] = &stored
	ms.byEndpoint[sub.Endpoint] = id
	return id, nil
}

// DeactivateSubscriptions implements RegistryRepository.
func (ms *MemoryStorage) DeactivateSubscriptions(ctx context.Context, deviceID, endpoint string, now time.Time) (int64, error) {
	if deviceID == "" && endpoint == "" {
		return 0, ErrMissingIdentifier
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var count int64
	for _, sub := range ms.subs {
		if sub.Status != SubscriptionStatusActive {
			continue
		}
		if (deviceID != "" && sub.DeviceID == deviceID) || (endpoint != "" && sub.Endpoint == endpoint) {
			sub.Status = SubscriptionStatusInactive
			sub.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// CreateEventFanOut implements PlannerRepository.
func (ms *MemoryStorage) CreateEventFanOut(ctx context.Context, event *Event, filter TargetFilter) (int64, int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.nextEventID++
	stored := *event
	stored.ID = ms.nextEventID
	ms.events[stored.ID] = &stored

	targeted := ms.enqueueLocked(stored.ID, filter, event.CreatedAt)
	return stored.ID, targeted, nil
}

// EnqueueDeliveries implements PlannerRepository.
func (ms *MemoryStorage) EnqueueDeliveries(ctx context.Context, eventID int64, filter TargetFilter, now time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.enqueueLocked(eventID, filter, now), nil
}

func (ms *MemoryStorage) enqueueLocked(eventID int64, filter TargetFilter, now time.Time) int {
	targeted := 0
	for _, sub := range ms.subs {
		if sub.Status != SubscriptionStatusActive || sub.ClientMode != ClientModeStandalone {
			continue
		}
		if filter.ExcludeUserID != "" && sub.UserID != "" && strings.EqualFold(sub.UserID, filter.ExcludeUserID) {
			continue
		}
		if filter.ExcludeDeviceID != "" && sub.DeviceID == filter.ExcludeDeviceID {
			continue
		}
		pair := [2]int64{eventID, sub.ID}
		if _, exists := ms.byPair[pair]; exists {
			continue
		}

		ms.nextDeliveryID++
		d := &Delivery{
			ID:             ms.nextDeliveryID,
			EventID:        eventID,
			SubscriptionID: sub.ID,
			Status:         DeliveryStatusPending,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		ms.deliveries[d.ID] = d
		ms.byPair[pair] = d.ID
		targeted++
	}
	return targeted
}

// DueDeliveries implements WorkerRepository.
func (ms *MemoryStorage) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]DueDelivery, error) {
	if limit < 1 {
		limit = 1
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var candidates []*Delivery
	for _, d := range ms.deliveries {
		if d.Status != DeliveryStatusPending && d.Status != DeliveryStatusRetry {
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}
		sub := ms.subs[d.SubscriptionID]
		if sub == nil || sub.Status != SubscriptionStatusActive {
			continue
		}
		candidates = append(candidates, d)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].NextAttemptAt.Equal(candidates[j].NextAttemptAt) {
			return candidates[i].NextAttemptAt.Before(candidates[j].NextAttemptAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	due := make([]DueDelivery, 0, len(candidates))
	for _, d := range candidates {
		sub := ms.subs[d.SubscriptionID]
		event := ms.events[d.EventID]
		due = append(due, DueDelivery{
			DeliveryID:     d.ID,
			SubscriptionID: d.SubscriptionID,
			AttemptCount:   d.AttemptCount,
			Endpoint:       sub.Endpoint,
			P256dh:         sub.P256dh,
			Auth:           sub.Auth,
			RestaurantID:   event.RestaurantID,
			GoTime:         event.GoTime,
		})
	}
	return due, nil
}

// MarkDelivered implements WorkerRepository.
func (ms *MemoryStorage) MarkDelivered(ctx context.Context, deliveryID int64, attemptCount int, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	d, ok := ms.deliveries[deliveryID]
	if !ok {
		return nil
	}
	d.Status = DeliveryStatusDelivered
	d.AttemptCount = attemptCount
	t := now
	d.DeliveredAt = &t
	d.UpdatedAt = now
	d.LastError = nil
	return nil
}

// MarkRetry implements WorkerRepository.
func (ms *MemoryStorage) MarkRetry(ctx context.Context, deliveryID int64, attemptCount int, nextAttemptAt time.Time, errText string, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	d, ok := ms.deliveries[deliveryID]
	if !ok {
		return nil
	}
	d.Status = DeliveryStatusRetry
	d.AttemptCount = attemptCount
	d.NextAttemptAt = nextAttemptAt
	d.LastError = &errText
	d.UpdatedAt = now
	return nil
}

// MarkFailedPermanent implements WorkerRepository.
func (ms *MemoryStorage) MarkFailedPermanent(ctx context.Context, deliveryID, subscriptionID int64, attemptCount int, errText string, deactivateSubscription bool, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	d, ok := ms.deliveries[deliveryID]
	if !ok {
		return nil
	}
	d.Status = DeliveryStatusFailedPermanent
	d.AttemptCount = attemptCount
	d.LastError = &errText
	d.UpdatedAt = now

	if deactivateSubscription {
		if sub, ok := ms.subs[subscriptionID]; ok {
			sub.Status = SubscriptionStatusInactive
			sub.UpdatedAt = now
		}
	}
	return nil
}

// SubscriptionByEndpoint implements ReaderRepository.
func (ms *MemoryStorage) SubscriptionByEndpoint(ctx context.Context, endpoint string) (*Subscription, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	id, ok := ms.byEndpoint[endpoint]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	sub := *ms.subs[id]
	return &sub, nil
}

// DeliveriesByEvent implements ReaderRepository.
func (ms *MemoryStorage) DeliveriesByEvent(ctx context.Context, eventID int64) ([]Delivery, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Delivery
	for _, d := range ms.deliveries {
		if d.EventID != eventID {
			continue
		}
		copied := *d
		if d.LastError != nil {
			e := *d.LastError
			copied.LastError = &e
		}
		if d.DeliveredAt != nil {
			t := *d.DeliveredAt
			copied.DeliveredAt = &t
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
