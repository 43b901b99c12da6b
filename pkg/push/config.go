package push

import "time"

// Config holds the engine configuration. The engine consumes these
// values but does not own their loading; the daemon parses them from
// the environment.
type Config struct {
	Enabled         bool          `env:"PUSH_ENABLED" envDefault:"false"`
	VAPIDPublicKey  string        `env:"PUSH_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `env:"PUSH_VAPID_PRIVATE_KEY"`
	VAPIDSubject    string        `env:"PUSH_VAPID_SUBJECT"`
	PollInterval    time.Duration `env:"PUSH_POLL_INTERVAL" envDefault:"5s"`
	BatchLimit      int           `env:"PUSH_BATCH_LIMIT" envDefault:"50"`
	ShutdownTimeout time.Duration `env:"PUSH_SHUTDOWN_TIMEOUT" envDefault:"3s"`
}
