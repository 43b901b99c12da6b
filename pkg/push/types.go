package push

import "time"

// ClientModeStandalone is the only accepted client mode: the installed
// (standalone display-mode) PWA. Browser-tab subscriptions are rejected
// because their service workers are evicted too aggressively to be
// worth tracking.
const ClientModeStandalone = "standalone"

// EventTypeSlotPublished tags events emitted when a user publishes an
// availability slot on the waiting board.
const EventTypeSlotPublished = "slot_published"

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
)

// DeliveryStatus represents the state of one delivery queue row.
type DeliveryStatus string

const (
	DeliveryStatusPending         DeliveryStatus = "pending"
	DeliveryStatusRetry           DeliveryStatus = "retry"
	DeliveryStatusDelivered       DeliveryStatus = "delivered"
	DeliveryStatusFailedPermanent DeliveryStatus = "failed_permanent"
)

// Subscription is one browser push endpoint and its owning device/user.
// The endpoint is globally unique; re-registering the same endpoint
// updates the row in place. Rows are never hard-deleted, only flipped
// to inactive, so re-registration and audit stay cheap.
type Subscription struct {
	ID         int64              `json:"id"`
	Endpoint   string             `json:"endpoint"`
	P256dh     string             `json:"p256dh"`
	Auth       string             `json:"auth"`
	DeviceID   string             `json:"device_id"`
	UserID     string             `json:"user_id,omitempty"`
	ClientMode string             `json:"client_mode"`
	Status     SubscriptionStatus `json:"status"`
	LastSeenAt time.Time          `json:"last_seen_at"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Event is one immutable occurrence of a notifiable domain fact.
// Events are append-only; nothing in the engine updates them.
type Event struct {
	ID              int64     `json:"id"`
	EventType       string    `json:"event_type"`
	RestaurantID    string    `json:"restaurant_id"`
	GoTime          string    `json:"go_time"`
	PublisherUserID string    `json:"publisher_user_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Delivery is one planned or attempted delivery of one Event to one
// Subscription. The (EventID, SubscriptionID) pair is unique.
type Delivery struct {
	ID             int64          `json:"id"`
	EventID        int64          `json:"event_id"`
	SubscriptionID int64          `json:"subscription_id"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	LastError      *string        `json:"last_error,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DueDelivery is a delivery row joined with the subscription and event
// fields the worker needs to attempt a send, as returned by
// WorkerRepository.DueDeliveries.
type DueDelivery struct {
	DeliveryID     int64
	SubscriptionID int64
	AttemptCount   int
	Endpoint       string
	P256dh         string
	Auth           string
	RestaurantID   string
	GoTime         string
}

// Payload is the notification body handed to the sender. The shape
// matches what the service worker on the client expects.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// SubscriptionPayload mirrors the JSON a browser produces from
// PushSubscription.toJSON().
type SubscriptionPayload struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// EnqueueResult reports the outcome of event creation. EventID is nil
// when the engine is disabled, which callers must treat as a normal
// outcome rather than an error.
type EnqueueResult struct {
	EventID  *int64 `json:"event_id"`
	Targeted int    `json:"targeted"`
}

// Stats summarises one batch of processed due deliveries.
type Stats struct {
	Sent            int `json:"sent"`
	Retried         int `json:"retried"`
	FailedPermanent int `json:"failed_permanent"`
}

// TargetFilter narrows the fan-out candidate set so a publisher never
// gets notified about their own slot: subscriptions whose user id
// matches ExcludeUserID (case-insensitive) or whose device id matches
// ExcludeDeviceID are skipped. Empty values disable the corresponding
// exclusion.
type TargetFilter struct {
	ExcludeUserID   string
	ExcludeDeviceID string
}
