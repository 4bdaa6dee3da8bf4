package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/warriorguo/dagflow/store"
)

var (
	_ store.Store   = &pgStore{}
	_ store.Clearer = &pgStore{}

	tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
)

const (
	DefaultTable = "dagflow_store"

	connectTimeout = 10 * time.Second
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
	// Table keeps every prefix of one engine, engines sharing a database
	// stay apart by using different tables.
	Table string
}

func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "dagflow",
		SSLMode:  "disable",
		Table:    DefaultTable,
	}
}

/**
 * pgStore maps a store prefix and key onto one row of its table. Snapshots
 * live under /workflow/, trace records under /record/<workflow>/ and the
 * interchange under /manifest/ and /value/.
 */
type pgStore struct {
	db    *sql.DB
	table string

	getQuery    string
	setQuery    string
	removeQuery string
	listQuery   string
	clearQuery  string
}

func newPgStore(db *sql.DB, table string) *pgStore {
	quoted := pq.QuoteIdentifier(table)
	return &pgStore{
		db:          db,
		table:       table,
		getQuery:    fmt.Sprintf(`SELECT value FROM %s WHERE prefix = $1 AND key = $2`, quoted),
		removeQuery: fmt.Sprintf(`DELETE FROM %s WHERE prefix = $1 AND key = $2`, quoted),
		listQuery:   fmt.Sprintf(`SELECT key FROM %s WHERE prefix = $1 ORDER BY key`, quoted),
		clearQuery:  fmt.Sprintf(`DELETE FROM %s WHERE prefix = $1`, quoted),
		setQuery: fmt.Sprintf(`
			INSERT INTO %s (prefix, key, value, updated_at)
			VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
			ON CONFLICT (prefix, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`, quoted),
	}
}

// NewPostgresStore connects to the database of config and creates the
// table on first use.
func NewPostgresStore(config *Config) (store.Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Annotatef(err, "invalid postgres config")
	}

	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open postgres connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to ping postgres at %s:%d", config.Host, config.Port)
	}

	s := newPgStore(db, config.Table)
	if err := s.initTable(ctx); err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	log.Debugf("postgres store ready, %s/%s table %s", config.Host, config.Database, config.Table)
	return s, nil
}

// NewPostgresStoreWithDB uses an open connection, table defaults to DefaultTable.
func NewPostgresStoreWithDB(db *sql.DB, table string) (store.Store, error) {
	if db == nil {
		return nil, errors.NotValidf("nil db")
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, errors.NotValidf("table name %q", table)
	}

	s := newPgStore(db, table)
	if err := s.initTable(context.Background()); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (p *pgStore) initTable(ctx context.Context) error {
	quoted := pq.QuoteIdentifier(p.table)
	index := pq.QuoteIdentifier("idx_" + p.table + "_prefix")
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			prefix VARCHAR(255) NOT NULL,
			key VARCHAR(255) NOT NULL,
			value BYTEA,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (prefix, key)
		);
		CREATE INDEX IF NOT EXISTS %s ON %s(prefix);
	`, quoted, index, quoted)

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return errors.Annotatef(err, "failed to create table %s", p.table)
	}
	return nil
}

// Get reports a missing key as a nil value, like the mem store.
func (p *pgStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, p.getQuery, prefix, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "get %s%s", prefix, key)
	}
	return value, nil
}

func (p *pgStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	if _, err := p.db.ExecContext(ctx, p.setQuery, prefix, key, value); err != nil {
		return errors.Annotatef(err, "set %s%s", prefix, key)
	}
	return nil
}

func (p *pgStore) Remove(ctx context.Context, prefix, key string) error {
	if _, err := p.db.ExecContext(ctx, p.removeQuery, prefix, key); err != nil {
		return errors.Annotatef(err, "remove %s%s", prefix, key)
	}
	return nil
}

// List walks the keys of prefix in lexical order until iterator returns false.
func (p *pgStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	rows, err := p.db.QueryContext(ctx, p.listQuery, prefix)
	if err != nil {
		return errors.Annotatef(err, "list %s", prefix)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return errors.Annotatef(err, "scan key of %s", prefix)
		}
		if !iterator(key) {
			break
		}
	}
	return errors.Annotatef(rows.Err(), "list %s", prefix)
}

// Clear drops every key of prefix in one statement.
func (p *pgStore) Clear(ctx context.Context, prefix string) error {
	res, err := p.db.ExecContext(ctx, p.clearQuery, prefix)
	if err != nil {
		return errors.Annotatef(err, "clear %s", prefix)
	}
	if n, err := res.RowsAffected(); err == nil {
		log.Debugf("cleared %d keys of %s", n, prefix)
	}
	return nil
}

func (p *pgStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// DSN is the lib/pq key/value connection string of c, the table is not part of it.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Validate fills the empty sslmode and table with their defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.NotValidf("empty host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	if c.User == "" {
		return errors.NotValidf("empty user")
	}
	if c.Database == "" {
		return errors.NotValidf("empty database")
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	switch c.SSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return errors.NotValidf("sslmode %q", c.SSLMode)
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if !tableName.MatchString(c.Table) {
		return errors.NotValidf("table name %q", c.Table)
	}
	return nil
}

/**
 * ParseDSN reads either a key/value string
 * ("host=localhost port=5432 user=postgres dbname=dagflow sslmode=disable")
 * or a postgres:// URL into a Config on top of DefaultConfig.
 */
func ParseDSN(dsn string) (*Config, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		converted, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, errors.Annotatef(err, "parse postgres url")
		}
		dsn = converted
	}

	config := DefaultConfig()
	for _, part := range strings.Fields(dsn) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, "'")
		switch key {
		case "host":
			config.Host = value
		case "port":
			port, err := cast.ToIntE(value)
			if err != nil {
				return nil, errors.NotValidf("port %q", value)
			}
			config.Port = port
		case "user":
			config.User = value
		case "password":
			config.Password = value
		case "dbname":
			config.Database = value
		case "sslmode":
			config.SSLMode = value
		}
	}
	return config, config.Validate()
}
