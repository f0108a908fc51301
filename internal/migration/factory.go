package migration

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/stategraph/stategraph/config"
)

// NewMigratorFromConfig builds a migrator for the configured checkpoint
// backend. Only the relational backends have schema to manage.
func NewMigratorFromConfig(cfg config.CheckpointConfig, logger *zap.Logger) (*Migrator, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return NewMigrator(&Config{
			Dialect:     DialectSQLite,
			DatabaseURL: cfg.Database.Path,
		}, logger)

	case config.BackendPostgres:
		db := cfg.Database
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(db.User), url.QueryEscape(db.Password),
			db.Host, db.Port, db.Name, db.SSLMode)
		return NewMigrator(&Config{
			Dialect:     DialectPostgres,
			DatabaseURL: dsn,
		}, logger)

	case config.BackendMySQL:
		db := cfg.Database
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?multiStatements=true",
			db.User, db.Password, db.Host, db.Port, db.Name)
		return NewMigrator(&Config{
			Dialect:     DialectMySQL,
			DatabaseURL: dsn,
		}, logger)

	default:
		return nil, fmt.Errorf("checkpoint backend %q has no schema migrations", cfg.Backend)
	}
}
