package migration

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Dialect selects the SQL flavour of a migration.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Migration represents a database migration. Statements are idempotent so
// the whole list runs on every startup.
type Migration struct {
	Name string
	Up   map[Dialect][]string
}

var migrations = []Migration{
	{
		Name: "create_render_jobs",
		Up: map[Dialect][]string{
			Postgres: {`
				CREATE TABLE IF NOT EXISTS render_jobs (
					seq          BIGSERIAL,
					id           UUID PRIMARY KEY,
					kind         TEXT NOT NULL,
					payload      JSONB NOT NULL,
					state        TEXT NOT NULL CHECK (state IN ('queued', 'active', 'completed', 'failed')),
					attempts     INTEGER NOT NULL DEFAULT 0,
					max_attempts INTEGER NOT NULL,
					priority     INTEGER NOT NULL DEFAULT 0,
					worker_id    TEXT NOT NULL DEFAULT '',
					created_at   TIMESTAMPTZ NOT NULL,
					run_at       TIMESTAMPTZ NOT NULL,
					started_at   TIMESTAMPTZ,
					finished_at  TIMESTAMPTZ,
					result       TEXT NOT NULL DEFAULT '',
					error_reason TEXT NOT NULL DEFAULT '',
					updated_at   TIMESTAMPTZ NOT NULL
				)`},
			SQLite: {`
				CREATE TABLE IF NOT EXISTS render_jobs (
					seq          INTEGER PRIMARY KEY AUTOINCREMENT,
					id           TEXT NOT NULL UNIQUE,
					kind         TEXT NOT NULL,
					payload      TEXT NOT NULL,
					state        TEXT NOT NULL CHECK (state IN ('queued', 'active', 'completed', 'failed')),
					attempts     INTEGER NOT NULL DEFAULT 0,
					max_attempts INTEGER NOT NULL,
					priority     INTEGER NOT NULL DEFAULT 0,
					worker_id    TEXT NOT NULL DEFAULT '',
					created_at   INTEGER NOT NULL,
					run_at       INTEGER NOT NULL,
					started_at   INTEGER,
					finished_at  INTEGER,
					result       TEXT NOT NULL DEFAULT '',
					error_reason TEXT NOT NULL DEFAULT '',
					updated_at   INTEGER NOT NULL
				)`},
		},
	},
	{
		Name: "index_render_jobs_claim",
		Up: map[Dialect][]string{
			Postgres: {`CREATE INDEX IF NOT EXISTS render_jobs_claim_idx
				ON render_jobs (priority DESC, seq) WHERE state = 'queued'`},
			SQLite: {`CREATE INDEX IF NOT EXISTS render_jobs_claim_idx
				ON render_jobs (state, priority DESC, seq)`},
		},
	},
	{
		Name: "index_render_jobs_finished",
		Up: map[Dialect][]string{
			Postgres: {
				`CREATE INDEX IF NOT EXISTS render_jobs_finished_idx ON render_jobs (state, finished_at)`,
				`CREATE INDEX IF NOT EXISTS render_jobs_started_idx ON render_jobs (started_at) WHERE state = 'active'`,
			},
			SQLite: {
				`CREATE INDEX IF NOT EXISTS render_jobs_finished_idx ON render_jobs (state, finished_at)`,
				`CREATE INDEX IF NOT EXISTS render_jobs_started_idx ON render_jobs (state, started_at)`,
			},
		},
	},
}

// Names lists the migrations in execution order.
func Names() []string {
	names := make([]string, 0, len(migrations))
	for _, m := range migrations {
		names = append(names, m.Name)
	}
	return names
}

// RunMigrations executes all migrations for the given dialect.
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("dialect", dialect)
	log.Info("starting database migrations")

	for _, m := range migrations {
		stmts, ok := m.Up[dialect]
		if !ok {
			return errors.Newf("migration %s has no %s variant", m.Name, dialect)
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				log.Errorw("migration failed", "name", m.Name, "error", err)
				return errors.Wrapf(err, "migration %s", m.Name)
			}
		}
		log.Debugw("migration completed", "name", m.Name)
	}

	log.Infow("all migrations completed", "count", len(migrations))
	return nil
}
