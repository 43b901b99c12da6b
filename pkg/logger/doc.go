// Package logger provides a small factory around log/slog so every
// process in this repo emits consistently shaped structured logs.
//
// The factory is configured from the environment:
//
//	LOG_LEVEL  debug|info|warn|error  (default info)
//	LOG_FORMAT json|text              (default json)
//
// JSON is the production default for log aggregation; text is for
// local development.
package logger
