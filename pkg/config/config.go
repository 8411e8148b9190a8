// Package config loads the coordinator's runtime configuration from
// environment variables and, optionally, a YAML
// bootstrap file naming the initial model's layer shapes and the
// aggregation algorithm's hyperparameters.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/openfl/coordinator/pkg/aggregator"
)

// Config is every environment-tunable knob the coordinator reads at
// startup.
type Config struct {
	// HTTP server.
	ListenAddr string

	// Storage.
	ModelDir   string
	MetricsDir string

	// Async round controller.
	EnableAsyncRounds bool
	AsyncMinUpdates   int
	AsyncMaxDuration  time.Duration
	AsyncPollInterval time.Duration

	// Rate limiting.
	RateLimitWindow   time.Duration
	RateLimitRequests int
	RateLimitUpdates  int

	// Incentive ledger.
	IncentiveBaseReward           float64
	IncentiveSpeedThreshold       time.Duration
	IncentiveSpeedBonus           float64
	IncentiveConsistencyThreshold int
	IncentiveConsistencyBonus     float64
	IncentiveDropoutPenalty       float64

	// Privacy guard.
	PrivacyMaxMagnitude float64

	// Aggregation algorithm.
	AggregationAlgorithm aggregator.AlgorithmType

	// Metrics export backend.
	MetricsBackendKind string
	MetricsRedisAddr   string
	MetricsRedisDB     int
	MetricsPostgresDSN string

	// Optional admin-only JWT auth for the aggregate_round HTTP route.
	AdminJWTSecret string

	// Optional YAML bootstrap file naming the initial model's layer
	// shapes and the aggregation algorithm's starting hyperparameters.
	ConfigFilePath string
}

// Default returns the coordinator's baseline defaults for every
// tunable knob, including the ones with no single obviously-correct
// value.
func Default() Config {
	return Config{
		ListenAddr: ":8443",

		ModelDir:   "models",
		MetricsDir: "metrics",

		EnableAsyncRounds: false,
		AsyncMinUpdates:   2,
		AsyncMaxDuration:  300 * time.Second,
		AsyncPollInterval: time.Second,

		RateLimitWindow:   time.Minute,
		RateLimitRequests: 60,
		RateLimitUpdates:  10,

		IncentiveBaseReward:           10.0,
		IncentiveSpeedThreshold:       30 * time.Second,
		IncentiveSpeedBonus:           5.0,
		IncentiveConsistencyThreshold: 5,
		IncentiveConsistencyBonus:     3.0,
		IncentiveDropoutPenalty:       2.0,

		PrivacyMaxMagnitude: 1e6,

		AggregationAlgorithm: aggregator.FedAvg,

		MetricsBackendKind: "memory",
	}
}

// FromEnv starts from Default and overrides each field present in the
// process environment.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("MODEL_DIR"); ok {
		cfg.ModelDir = v
	}
	if v, ok := os.LookupEnv("METRICS_DIR"); ok {
		cfg.MetricsDir = v
	}

	if v, ok, err := lookupBool("ENABLE_ASYNC_ROUNDS"); err != nil {
		return cfg, err
	} else if ok {
		cfg.EnableAsyncRounds = v
	}
	if v, ok, err := lookupInt("ASYNC_MIN_UPDATES"); err != nil {
		return cfg, err
	} else if ok {
		cfg.AsyncMinUpdates = v
	}
	if v, ok, err := lookupDuration("ASYNC_MAX_DURATION"); err != nil {
		return cfg, err
	} else if ok {
		cfg.AsyncMaxDuration = v
	}
	if v, ok, err := lookupDuration("ASYNC_POLL_INTERVAL"); err != nil {
		return cfg, err
	} else if ok {
		cfg.AsyncPollInterval = v
	}

	if v, ok, err := lookupDuration("RATE_LIMIT_WINDOW"); err != nil {
		return cfg, err
	} else if ok {
		cfg.RateLimitWindow = v
	}
	if v, ok, err := lookupInt("RATE_LIMIT_REQUESTS"); err != nil {
		return cfg, err
	} else if ok {
		cfg.RateLimitRequests = v
	}
	if v, ok, err := lookupInt("RATE_LIMIT_UPDATES"); err != nil {
		return cfg, err
	} else if ok {
		cfg.RateLimitUpdates = v
	}

	if v, ok, err := lookupFloat("INCENTIVE_BASE_REWARD"); err != nil {
		return cfg, err
	} else if ok {
		cfg.IncentiveBaseReward = v
	}
	if v, ok, err := lookupFloat("INCENTIVE_SPEED_THRESHOLD"); err != nil {
		return cfg, err
	} else if ok {
		cfg.IncentiveSpeedThreshold = time.Duration(v * float64(time.Second))
	}
	if v, ok, err := lookupFloat("INCENTIVE_SPEED_BONUS"); err != nil {
		return cfg, err
	} else if ok {
		cfg.IncentiveSpeedBonus = v
	}
	if v, ok, err := lookupInt("INCENTIVE_CONSISTENCY_THRESHOLD"); err != nil {
		return cfg, err
	} else if ok {
		cfg.IncentiveConsistencyThreshold = v
	}
	if v, ok, err := lookupFloat("INCENTIVE_CONSISTENCY_BONUS"); err != nil {
		return cfg, err
	} else if ok {
		cfg.IncentiveConsistencyBonus = v
	}
	if v, ok, err := lookupFloat("INCENTIVE_DROPOUT_PENALTY"); err != nil {
		return cfg, err
	} else if ok {
		cfg.IncentiveDropoutPenalty = v
	}

	if v, ok, err := lookupFloat("PRIVACY_MAX_MAGNITUDE"); err != nil {
		return cfg, err
	} else if ok {
		cfg.PrivacyMaxMagnitude = v
	}

	if v, ok := os.LookupEnv("AGGREGATION_ALGORITHM"); ok {
		cfg.AggregationAlgorithm = aggregator.AlgorithmType(v)
	}

	if v, ok := os.LookupEnv("METRICS_BACKEND"); ok {
		cfg.MetricsBackendKind = v
	}
	if v, ok := os.LookupEnv("METRICS_REDIS_ADDR"); ok {
		cfg.MetricsRedisAddr = v
	}
	if v, ok, err := lookupInt("METRICS_REDIS_DB"); err != nil {
		return cfg, err
	} else if ok {
		cfg.MetricsRedisDB = v
	}
	if v, ok := os.LookupEnv("METRICS_POSTGRES_DSN"); ok {
		cfg.MetricsPostgresDSN = v
	}

	if v, ok := os.LookupEnv("ADMIN_JWT_SECRET"); ok {
		cfg.AdminJWTSecret = v
	}

	if v, ok := os.LookupEnv("COORDINATOR_CONFIG_FILE"); ok {
		cfg.ConfigFilePath = v
	}

	return cfg, nil
}

func lookupBool(name string) (bool, bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, fmt.Errorf("config: %s: %w", name, err)
	}
	return b, true, nil
}

func lookupInt(name string) (int, bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, true, nil
}

func lookupFloat(name string) (float64, bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", name, err)
	}
	return f, true, nil
}

func lookupDuration(name string) (time.Duration, bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", name, err)
	}
	return d, true, nil
}
