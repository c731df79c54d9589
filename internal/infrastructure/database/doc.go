// Package database provides the SQLite store behind the relay's audit trail.
//
// The relay's live state (sessions, registry) is in memory only. SQLite
// holds the append-only audit log so operators can see which devices
// connected, were rejected or dropped, and which commands were issued.
//
// Open configures WAL mode, busy timeout and a single-connection pool to
// match SQLite's single-writer model.
//
// # Migrations
//
// Migrations are pairs of files named YYYYMMDD_HHMMSS_description.up.sql
// and .down.sql, read from a Source (usually an embed.FS):
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.Source()); err != nil {
//	    return err
//	}
//
// Each migration is applied in its own transaction and recorded in
// schema_migrations. Schema changes are additive: new columns are nullable
// or carry defaults.
package database
