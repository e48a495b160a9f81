package state

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory sqlite postgres redis"`
	// DSN is a file path for sqlite, a connection string for postgres and
	// a redis:// URL for redis.
	DSN        string `yaml:"dsn" validate:"required_unless=Driver memory"`
	LogQueries bool   `yaml:"logQueries"`
}

// Open returns the Store configured by cfg.
func Open(ctx context.Context, cfg Config, clk clock.PassiveClock, logger log.FieldLogger) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(clk), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.DSN, clk, logger, cfg.LogQueries)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN, clk, logger, cfg.LogQueries)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.DSN, clk)
	default:
		return nil, fmt.Errorf("unknown state store driver %q", cfg.Driver)
	}
}
