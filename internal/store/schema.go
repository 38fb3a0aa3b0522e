package store

import (
	"context"
	"database/sql"
)

// schema mirrors the relational layout the engine depends on: a
// contiguous, per-identity state_version history for instances, plus
// the durable task log and its error sibling, plus the declarative
// meta/relation graph.
const schema = `
CREATE TABLE IF NOT EXISTS meta (
	meta_key   TEXT PRIMARY KEY,
	meta_type  SMALLINT NOT NULL,
	setting    JSONB
);

CREATE TABLE IF NOT EXISTS relation (
	from_meta TEXT NOT NULL,
	to_meta   TEXT NOT NULL,
	flow      JSONB NOT NULL,
	PRIMARY KEY (from_meta, to_meta)
);

CREATE TABLE IF NOT EXISTS instances (
	meta          TEXT NOT NULL,
	ins_id        BIGINT NOT NULL,
	para          TEXT NOT NULL DEFAULT '',
	content       JSONB NOT NULL,
	context       JSONB,
	sys_context   JSONB,
	states        JSONB,
	state_version INT NOT NULL DEFAULT 0,
	create_time   BIGINT NOT NULL,
	from_key      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (meta, ins_id, para, state_version)
);
CREATE INDEX IF NOT EXISTS instances_from_key_idx ON instances (from_key);
CREATE INDEX IF NOT EXISTS instances_key_idx ON instances (meta, ins_id, para);

CREATE TABLE IF NOT EXISTS task (
	task_id       TEXT PRIMARY KEY,
	task_type     SMALLINT NOT NULL,
	task_key      TEXT NOT NULL,
	data          BYTEA NOT NULL,
	create_time   BIGINT NOT NULL,
	execute_time  BIGINT NOT NULL,
	retried_times INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS task_execute_time_idx ON task (execute_time);

CREATE TABLE IF NOT EXISTS task_error (
	task_id       TEXT PRIMARY KEY,
	task_type     SMALLINT NOT NULL,
	task_key      TEXT NOT NULL,
	data          BYTEA NOT NULL,
	create_time   BIGINT NOT NULL,
	execute_time  BIGINT NOT NULL,
	retried_times INT NOT NULL DEFAULT 0,
	err_code      TEXT NOT NULL,
	err_msg       TEXT NOT NULL
);
`

// Migrate creates every table the engine needs, idempotently.
func Migrate(ctx context.Context, db Execer) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Execer is the subset of *sqlx.DB used for schema bootstrap, kept
// narrow so tests can supply a fake.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
