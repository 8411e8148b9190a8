package metrics

import "fmt"

// ExportBackend receives a best-effort copy of each closed round's
// snapshot for operators who want metrics outside the local disk
// layout, e.g. a shared dashboard or a durable audit trail.
type ExportBackend interface {
	Export(snapshot RoundSnapshot) error
	Close() error
}

// BackendConfig selects and configures an ExportBackend.
type BackendConfig struct {
	Kind     string // "memory", "redis", or "postgres"
	RedisAddr string
	RedisDB   int
	PostgresDSN string
}

// NewBackend constructs the configured ExportBackend. An empty or
// "memory" kind returns an in-process backend useful for tests and for
// operators who only want the on-disk snapshots.
func NewBackend(cfg BackendConfig) (ExportBackend, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackend(cfg.RedisAddr, cfg.RedisDB)
	case "postgres":
		return NewPostgresBackend(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("metrics: unknown export backend kind %q", cfg.Kind)
	}
}
