package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:editor-lti.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/editorlti?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS lti_entity (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  resource_link_id TEXT,
  custom_claim_id TEXT,
  asset_provider_node_id TEXT,
  content TEXT,
  id_token_on_creation TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_entity_custom_claim_id ON lti_entity(custom_claim_id);
CREATE INDEX IF NOT EXISTS idx_lti_entity_asset_provider_node_id ON lti_entity(asset_provider_node_id);

CREATE TABLE IF NOT EXISTS embed_session (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  data_token TEXT NOT NULL,
  node_id TEXT NOT NULL,
  iss TEXT NOT NULL,
  expires_at INTEGER NOT NULL -- unix seconds
);
CREATE INDEX IF NOT EXISTS idx_embed_session_expires_at ON embed_session(expires_at);

CREATE TABLE IF NOT EXISTS embed_nonce (
  id TEXT PRIMARY KEY,
  nonce TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embed_nonce_expires_at ON embed_nonce(expires_at);

CREATE TABLE IF NOT EXISTS login_state (
  id TEXT PRIMARY KEY,
  nonce TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_state_expires_at ON login_state(expires_at);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_entity (
  id BIGSERIAL PRIMARY KEY,
  resource_link_id TEXT,
  custom_claim_id TEXT,
  asset_provider_node_id TEXT,
  content TEXT,
  id_token_on_creation TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_entity_custom_claim_id ON lti_entity(custom_claim_id);
CREATE INDEX IF NOT EXISTS idx_lti_entity_asset_provider_node_id ON lti_entity(asset_provider_node_id);

CREATE TABLE IF NOT EXISTS embed_session (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  data_token TEXT NOT NULL,
  node_id TEXT NOT NULL,
  iss TEXT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embed_session_expires_at ON embed_session(expires_at);

CREATE TABLE IF NOT EXISTS embed_nonce (
  id TEXT PRIMARY KEY,
  nonce TEXT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embed_nonce_expires_at ON embed_nonce(expires_at);

CREATE TABLE IF NOT EXISTS login_state (
  id TEXT PRIMARY KEY,
  nonce TEXT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_state_expires_at ON login_state(expires_at);
`
