package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// maxErrorLen bounds the error text recorded on delivery rows.
const maxErrorLen = 500

// Service is the push delivery engine. All state lives in the storage
// it is constructed with, so independent instances can coexist in the
// same process (tests run one per case).
type Service struct {
	cfg     Config
	store   Storage
	sender  Sender
	backoff Schedule
	logger  *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSender replaces the default web-push sender. Tests substitute a
// deterministic fake here.
func WithSender(sender Sender) ServiceOption {
	return func(s *Service) {
		if sender != nil {
			s.sender = sender
		}
	}
}

// WithLogger sets the logger used by the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedule replaces the default retry backoff schedule.
func WithSchedule(schedule Schedule) ServiceOption {
	return func(s *Service) {
		if len(schedule) > 0 {
			s.backoff = schedule
		}
	}
}

// NewService creates the engine on top of the given storage. Unless
// overridden via options it sends through the web-push protocol using
// the VAPID credentials from cfg.
func NewService(store Storage, cfg Config, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrStorageNil
	}

	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		sender:  NewWebPushSender(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject),
		backoff: DefaultSchedule(),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Enabled reports whether the engine is processing events. When false,
// event creation and batch processing degrade to no-ops so callers
// never need to special-case configuration.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// RegisterSubscription validates and upserts a browser push
// subscription, keyed by endpoint. Re-registering an existing endpoint
// refreshes its keys and owners and resets it to active. Returns the
// durable subscription id.
func (s *Service) RegisterSubscription(ctx context.Context, payload SubscriptionPayload, deviceID, userID, clientMode string) (int64, error) {
	endpoint := strings.TrimSpace(payload.Endpoint)
	p256dh := strings.TrimSpace(payload.Keys.P256dh)
	auth := strings.TrimSpace(payload.Keys.Auth)
	if endpoint == "" || p256dh == "" || auth == "" {
		return 0, ErrInvalidSubscription
	}

	device := strings.TrimSpace(deviceID)
	if device == "" {
		return 0, ErrInvalidDeviceID
	}

	mode := strings.ToLower(strings.TrimSpace(clientMode))
	if mode != ClientModeStandalone {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClientMode, clientMode)
	}

	now := time.Now().UTC()
	sub := &Subscription{
		Endpoint:   endpoint,
		P256dh:     p256dh,
		Auth:       auth,
		DeviceID:   device,
		UserID:     normalizeUserID(userID),
		ClientMode: mode,
		Status:     SubscriptionStatusActive,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	id, err := s.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	s.logger.InfoContext(ctx, "subscription registered",
		slog.Int64("subscription_id", id),
		slog.String("device_id", device))

	return id, nil
}

// UnregisterSubscription flags active subscriptions matching the device
// id or the endpoint as inactive and returns the number of rows
// changed. At least one identifier is required.
func (s *Service) UnregisterSubscription(ctx context.Context, deviceID, endpoint string) (int64, error) {
	device := strings.TrimSpace(deviceID)
	ep := strings.TrimSpace(endpoint)
	if device == "" && ep == "" {
		return 0, ErrMissingIdentifier
	}

	count, err := s.store.DeactivateSubscriptions(ctx, device, ep, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate subscriptions: %w", err)
	}

	s.logger.InfoContext(ctx, "subscriptions deactivated", slog.Int64("count", count))
	return count, nil
}

// CreateEventParams carries the subject of a slot publication.
// ExcludeDeviceID, when set, keeps the originating device out of the
// target set even if it carries no user id.
type CreateEventParams struct {
	RestaurantID    string
	GoTime          string
	PublisherUserID string
	ExcludeDeviceID string
}

// CreateSlotPublishedEvent records a slot publication and fans it out
// to every eligible subscription inside one transaction. It performs no
// network I/O and returns as soon as the rows are durable; the worker
// delivers later. With the engine disabled it is a no-op returning a
// nil event id and zero targets.
func (s *Service) CreateSlotPublishedEvent(ctx context.Context, params CreateEventParams) (EnqueueResult, error) {
	if !s.cfg.Enabled {
		return EnqueueResult{}, nil
	}

	publisher := normalizeUserID(params.PublisherUserID)
	event := &Event{
		EventType:       EventTypeSlotPublished,
		RestaurantID:    params.RestaurantID,
		GoTime:          params.GoTime,
		PublisherUserID: publisher,
		CreatedAt:       time.Now().UTC(),
	}
	filter := TargetFilter{
		ExcludeUserID:   publisher,
		ExcludeDeviceID: strings.TrimSpace(params.ExcludeDeviceID),
	}

	eventID, targeted, err := s.store.CreateEventFanOut(ctx, event, filter)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to create event fan-out: %w", err)
	}

	s.logger.InfoContext(ctx, "event created",
		slog.Int64("event_id", eventID),
		slog.String("event_type", EventTypeSlotPublished),
		slog.Int("targeted", targeted))

	return EnqueueResult{EventID: &eventID, Targeted: targeted}, nil
}

// ProcessDueDeliveries drains up to limit due delivery rows: for each,
// it builds the notification payload, invokes the sender, and advances
// the row's state durably before moving to the next. A failure on one
// row never aborts the rest of the batch. The now parameter is the
// worker's clock; tests pass explicit values to step through the
// backoff schedule deterministically.
func (s *Service) ProcessDueDeliveries(ctx context.Context, limit int, now time.Time) (Stats, error) {
	if !s.cfg.Enabled {
		return Stats{}, nil
	}
	if limit <= 0 {
		limit = s.cfg.BatchLimit
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	due, err := s.store.DueDeliveries(ctx, now, limit)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to fetch due deliveries: %w", err)
	}

	var stats Stats
	for _, d := range due {
		s.processOne(ctx, d, now, &stats)
	}
	return stats, nil
}

func (s *Service) processOne(ctx context.Context, d DueDelivery, now time.Time, stats *Stats) {
	sub := Subscription{
		ID:       d.SubscriptionID,
		Endpoint: d.Endpoint,
		P256dh:   d.P256dh,
		Auth:     d.Auth,
	}
	payload := BuildSlotPayload(d.RestaurantID, d.GoTime)
	attempts := d.AttemptCount + 1

	sendErr := s.sender.Send(ctx, sub, payload)
	if sendErr == nil {
		if err := s.store.MarkDelivered(ctx, d.DeliveryID, attempts, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark delivery delivered",
				slog.Int64("delivery_id", d.DeliveryID),
				slog.String("error", err.Error()))
			return
		}
		stats.Sent++
		s.logger.InfoContext(ctx, "delivery sent",
			slog.Int64("delivery_id", d.DeliveryID),
			slog.Int64("subscription_id", d.SubscriptionID))
		return
	}

	var perm *PermanentError
	if errors.As(sendErr, &perm) {
		s.failPermanently(ctx, d, attempts, sendErr, perm.DeactivateSubscription, now, stats)
		return
	}

	// Anything that is not an explicit permanent failure is treated as
	// transient, including errors the sender never classified.
	delay, ok := s.backoff.Delay(d.AttemptCount)
	if !ok {
		// Schedule exhausted. Terminal, but the endpoint may still be
		// valid, so the subscription stays active.
		s.failPermanently(ctx, d, attempts, sendErr, false, now, stats)
		return
	}

	if err := s.store.MarkRetry(ctx, d.DeliveryID, attempts, now.Add(delay), truncateError(sendErr), now); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark delivery for retry",
			slog.Int64("delivery_id", d.DeliveryID),
			slog.String("error", err.Error()))
		return
	}
	stats.Retried++
	s.logger.InfoContext(ctx, "delivery retried",
		slog.Int64("delivery_id", d.DeliveryID),
		slog.Int("attempt_count", attempts),
		slog.Duration("delay", delay))
}

func (s *Service) failPermanently(ctx context.Context, d DueDelivery, attempts int, sendErr error, deactivate bool, now time.Time, stats *Stats) {
	if err := s.store.MarkFailedPermanent(ctx, d.DeliveryID, d.SubscriptionID, attempts, truncateError(sendErr), deactivate, now); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark delivery failed",
			slog.Int64("delivery_id", d.DeliveryID),
			slog.String("error", err.Error()))
		return
	}
	stats.FailedPermanent++
	s.logger.InfoContext(ctx, "delivery failed permanently",
		slog.Int64("delivery_id", d.DeliveryID),
		slog.Int64("subscription_id", d.SubscriptionID),
		slog.Bool("subscription_deactivated", deactivate),
		slog.String("reason", truncateError(sendErr)))
}

// BuildSlotPayload renders the notification for a published slot. The
// restaurant id doubles as a display label once separators are spaced
// out and title-cased.
func BuildSlotPayload(restaurantID, goTime string) Payload {
	label := strings.NewReplacer("_", " ", "-", " ").Replace(restaurantID)
	label = cases.Title(language.Und).String(strings.TrimSpace(label))
	return Payload{
		Title: "BoniBuddy",
		Body:  fmt.Sprintf("Nov slot: %s ob %s. Odpri app in se pridruži.", label, goTime),
		URL:   "/feed",
	}
}

func normalizeUserID(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
