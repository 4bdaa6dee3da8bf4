package dagflow

import (
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/runtime"
	"github.com/warriorguo/dagflow/store"
	"github.com/warriorguo/dagflow/store/mem"
	"github.com/warriorguo/dagflow/store/postgres"
	"github.com/warriorguo/dagflow/types"
)

// NewEngine creates a workflow engine with the given options.
func NewEngine(opts ...types.EngineOption) (types.Engine, error) {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}

	s, err := newStore(options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return runtime.NewEngine(s, options), nil
}

// NewEngineFromEnv is NewEngine with the settings read from DAGFLOW_*
// environment variables, opts applied on top.
func NewEngineFromEnv(opts ...types.EngineOption) (types.Engine, error) {
	return NewEngine(append([]types.EngineOption{types.FromEnv()}, opts...)...)
}

// PostgresConfig takes precedence over MemStore, the mem store is the fallback.
func newStore(options *types.EngineOptions) (store.Store, error) {
	if options.PostgresConfig == nil {
		if !options.MemStore {
			log.Debugf("no store configured, using the in memory store")
		}
		return mem.NewMemStore(), nil
	}

	s, err := postgres.NewPostgresStore(&postgres.Config{
		Host:     options.PostgresConfig.Host,
		Port:     options.PostgresConfig.Port,
		User:     options.PostgresConfig.User,
		Password: options.PostgresConfig.Password,
		Database: options.PostgresConfig.Database,
		SSLMode:  options.PostgresConfig.SSLMode,
		Table:    options.PostgresConfig.Table,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to create PostgreSQL store")
	}
	return s, nil
}
