package types

import (
	"context"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/spf13/cast"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(&opts.EngineSettings)
	return opts
}

type EngineSettings struct {
	/**
	 * default: 1s
	 * how long the scheduler sleeps between two executor status polls,
	 * also the upper bound of the stop request latency.
	 */
	PollInterval time.Duration `default:"1s"`
	/**
	 * default: 30s
	 * after a stop request the scheduler waits at most this long for the
	 * executor to report the interrupted node as finished.
	 */
	StopGracePeriod time.Duration `default:"30s"`
	/**
	 * default: 16
	 * workflows started through Engine.Start share a worker pool of this size.
	 */
	MaxConcurrentRuns int `default:"16"`
	/**
	 * default: false, when true the workflow snapshot is saved after every
	 * finished run.
	 */
	AutoSave bool `default:"false"`
	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemStore bool `default:"false"`
}

type EngineOptions struct {
	Ctx context.Context
	EngineSettings

	Executor    Executor
	Interchange Interchange
	Observers   []Observer

	// PostgreSQL store configuration
	// If both MemStore and PostgresConfig are set, PostgresConfig takes precedence
	PostgresConfig *PostgresConfig
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
	// Table defaults to dagflow_store.
	Table string
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func WithPollInterval(interval time.Duration) EngineOption {
	return func(opts *EngineOptions) {
		opts.PollInterval = interval
	}
}

func WithStopGracePeriod(grace time.Duration) EngineOption {
	return func(opts *EngineOptions) {
		opts.StopGracePeriod = grace
	}
}

func SetMaxConcurrentRuns(runs int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxConcurrentRuns = runs
	}
}

func EnableAutoSave() EngineOption {
	return func(opts *EngineOptions) {
		opts.AutoSave = true
	}
}

func EnableMemStore() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemStore = true
	}
}

// WithPostgresConfig configures the engine to use PostgreSQL store
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}

func WithExecutor(executor Executor) EngineOption {
	return func(opts *EngineOptions) {
		opts.Executor = executor
	}
}

func WithInterchange(interchange Interchange) EngineOption {
	return func(opts *EngineOptions) {
		opts.Interchange = interchange
	}
}

// WithObserver may be given several times, every observer gets every event.
func WithObserver(observer Observer) EngineOption {
	return func(opts *EngineOptions) {
		if observer != nil {
			opts.Observers = append(opts.Observers, observer)
		}
	}
}

const (
	EnvPollInterval    = "DAGFLOW_POLL_INTERVAL"
	EnvStopGracePeriod = "DAGFLOW_STOP_GRACE"
	EnvMaxRuns         = "DAGFLOW_MAX_RUNS"
	EnvAutoSave        = "DAGFLOW_AUTO_SAVE"
	EnvPGHost          = "DAGFLOW_PG_HOST"
	EnvPGPort          = "DAGFLOW_PG_PORT"
	EnvPGUser          = "DAGFLOW_PG_USER"
	EnvPGPassword      = "DAGFLOW_PG_PASSWORD"
	EnvPGDatabase      = "DAGFLOW_PG_DB"
	EnvPGSSLMode       = "DAGFLOW_PG_SSLMODE"
	EnvPGTable         = "DAGFLOW_PG_TABLE"
)

// FromEnv overrides settings with the DAGFLOW_* environment variables that
// are set. Unparsable values are ignored.
func FromEnv() EngineOption {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) EngineOption {
	return func(opts *EngineOptions) {
		if v, ok := lookup(EnvPollInterval); ok {
			if d, err := cast.ToDurationE(v); err == nil && d > 0 {
				opts.PollInterval = d
			}
		}
		if v, ok := lookup(EnvStopGracePeriod); ok {
			if d, err := cast.ToDurationE(v); err == nil && d > 0 {
				opts.StopGracePeriod = d
			}
		}
		if v, ok := lookup(EnvMaxRuns); ok {
			if n, err := cast.ToIntE(v); err == nil && n > 0 {
				opts.MaxConcurrentRuns = n
			}
		}
		if v, ok := lookup(EnvAutoSave); ok {
			if b, err := cast.ToBoolE(v); err == nil {
				opts.AutoSave = b
			}
		}

		host, ok := lookup(EnvPGHost)
		if !ok || host == "" {
			return
		}
		pg := &PostgresConfig{Host: host, Port: 5432, SSLMode: "disable"}
		if v, ok := lookup(EnvPGPort); ok {
			if n, err := cast.ToIntE(v); err == nil {
				pg.Port = n
			}
		}
		pg.User, _ = lookup(EnvPGUser)
		pg.Password, _ = lookup(EnvPGPassword)
		pg.Database, _ = lookup(EnvPGDatabase)
		if v, ok := lookup(EnvPGSSLMode); ok && v != "" {
			pg.SSLMode = v
		}
		pg.Table, _ = lookup(EnvPGTable)
		opts.PostgresConfig = pg
	}
}
