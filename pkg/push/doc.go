// Package push implements the durable web-push delivery engine behind the
// BoniBuddy slot feed: subscription lifecycle, event fan-out, and an
// at-least-once delivery queue drained by a single background worker.
//
// The package is organised around three records:
//
//   - Subscription — one browser push endpoint with its encryption keys
//   - Event        — one immutable notifiable fact (a published slot)
//   - Delivery     — the tracked attempt state of one Event to one Subscription
//
// and three components operating on them:
//
//   - Service — synchronous entry points used by the web layer and the
//     matching engine: RegisterSubscription, UnregisterSubscription,
//     CreateSlotPublishedEvent, ProcessDueDeliveries
//   - Worker  — a single background loop that polls due deliveries on a
//     fixed interval and drives the delivery state machine
//   - Sender  — the pluggable transport boundary; the default
//     WebPushSender speaks the web-push protocol with VAPID signing
//
// Persistence is decoupled behind small repository interfaces composed as
// Storage. Three implementations ship with the package: SQLite (the
// default durable store), Postgres (hosted deployments), and an
// in-memory store for tests and local development.
//
// # Delivery semantics
//
// Event creation writes the event row and one pending delivery row per
// eligible subscription inside a single transaction, then returns; it
// never performs network I/O. The worker later claims due rows, invokes
// the sender, and advances each row independently:
//
//	pending ──► delivered            (send succeeded)
//	pending ──► retry ──► ... ──► delivered | failed_permanent
//	pending ──► failed_permanent    (permanent failure or retries exhausted)
//
// Fan-out is idempotent: the (event, subscription) pair is unique, so
// re-running fan-out for an event never duplicates deliveries. The
// contract is at-least-once; a crash between a successful send and the
// durable state transition results in a second send, never a lost one.
//
// # Usage
//
//	store, err := push.OpenSQLite("data/push.sqlite3")
//	if err != nil { ... }
//	defer store.Close()
//
//	svc, err := push.NewService(store, cfg)
//	if err != nil { ... }
//
//	worker, err := push.NewWorker(svc)
//	if err != nil { ... }
//	if err := worker.Start(ctx); err != nil { ... }
//	defer worker.Stop()
//
// Tests substitute a deterministic sender and drive the state machine
// directly through Service.ProcessDueDeliveries with an explicit clock
// value instead of waiting on the poll interval.
package push
