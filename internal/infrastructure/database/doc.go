// Package database provides SQLite connectivity for the persistent
// configuration database.
//
// It owns the connection setup (WAL mode, busy timeout, single writer)
// and a forward-only migration runner fed by the embedded files of the
// migrations package. Table access lives in internal/configdb.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
