// Package migration manages the checkpoint store schema with embedded,
// versioned SQL migrations for PostgreSQL, MySQL and SQLite. Production
// deployments run these instead of GORM auto-migration so schema changes
// stay explicit and reversible.
package migration
