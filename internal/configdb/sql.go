package configdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/devicekit/internal/infrastructure/database"
	_ "github.com/nerrad567/devicekit/migrations" // registers the schema
)

// SQLDatabase is a Database stored in SQLite. Several servers can share
// one file.
type SQLDatabase struct {
	db *database.DB
}

var _ Database = (*SQLDatabase)(nil)

// OpenSQL opens the SQLite database described by cfg and brings its
// schema up to date.
func OpenSQL(ctx context.Context, cfg database.Config) (*SQLDatabase, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, err
	}
	return &SQLDatabase{db: db}, nil
}

// DB exposes the underlying connection, for health checks.
func (s *SQLDatabase) DB() *database.DB {
	return s.db
}

// AddServer declares devices of class in server.
func (s *SQLDatabase) AddServer(ctx context.Context, server, class string, devices []string) error {
	if len(strings.Split(server, "/")) != 2 {
		return fmt.Errorf("configdb: server %q: want <server>/<instance>", server)
	}
	for _, d := range devices {
		if err := checkDeviceName(d); err != nil {
			return fmt.Errorf("configdb: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, d := range devices {
			// Moving a device re-inserts it so declaration order follows rowid.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM device WHERE name = ? COLLATE NOCASE`, d); err != nil {
				return fmt.Errorf("declaring device %s: %w", d, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO device (name, server, class, exported_at) VALUES (?, ?, ?, ?)`,
				d, server, class, now); err != nil {
				return fmt.Errorf("declaring device %s: %w", d, err)
			}
		}
		return nil
	})
}

// ServerClasses lists the classes exported by server.
func (s *SQLDatabase) ServerClasses(ctx context.Context, server string) ([]ServerClass, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT class, name FROM device WHERE server = ? COLLATE NOCASE ORDER BY rowid`, server)
	if err != nil {
		return nil, fmt.Errorf("querying server %s: %w", server, err)
	}
	defer rows.Close()

	var out []ServerClass
	index := make(map[string]int)
	for rows.Next() {
		var class, name string
		if err := rows.Scan(&class, &name); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		key := strings.ToLower(class)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, ServerClass{Class: class})
		}
		out[i].Devices = append(out[i].Devices, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}
	return out, nil
}

// GetDeviceProperty returns the named properties of device, or all of them
// when no name is given.
func (s *SQLDatabase) GetDeviceProperty(ctx context.Context, device string, names ...string) (map[string][]string, error) {
	return s.queryProps(ctx,
		`SELECT name, value FROM device_property WHERE device = ? COLLATE NOCASE ORDER BY name, idx`,
		names, device)
}

// PutDeviceProperty stores properties of device.
func (s *SQLDatabase) PutDeviceProperty(ctx context.Context, device string, props map[string][]string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, name := range sortedKeys(props) {
			if err := replaceProp(ctx, tx,
				`DELETE FROM device_property WHERE device = ? COLLATE NOCASE AND name = ? COLLATE NOCASE`,
				`INSERT INTO device_property (device, name, idx, value) VALUES (?, ?, ?, ?)`,
				[]any{device, name}, props[name]); err != nil {
				return fmt.Errorf("storing %s->%s: %w", device, name, err)
			}
		}
		return nil
	})
}

// DeleteDeviceProperty removes properties of device.
func (s *SQLDatabase) DeleteDeviceProperty(ctx context.Context, device string, names ...string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM device_property WHERE device = ? COLLATE NOCASE AND name = ? COLLATE NOCASE`,
				device, name); err != nil {
				return fmt.Errorf("deleting %s->%s: %w", device, name, err)
			}
		}
		return nil
	})
}

// GetClassProperty returns the named properties of class.
func (s *SQLDatabase) GetClassProperty(ctx context.Context, class string, names ...string) (map[string][]string, error) {
	return s.queryProps(ctx,
		`SELECT name, value FROM class_property WHERE class = ? COLLATE NOCASE ORDER BY name, idx`,
		names, class)
}

// PutClassProperty stores properties of class.
func (s *SQLDatabase) PutClassProperty(ctx context.Context, class string, props map[string][]string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, name := range sortedKeys(props) {
			if err := replaceProp(ctx, tx,
				`DELETE FROM class_property WHERE class = ? COLLATE NOCASE AND name = ? COLLATE NOCASE`,
				`INSERT INTO class_property (class, name, idx, value) VALUES (?, ?, ?, ?)`,
				[]any{class, name}, props[name]); err != nil {
				return fmt.Errorf("storing CLASS/%s->%s: %w", class, name, err)
			}
		}
		return nil
	})
}

// GetDeviceAttributeProperty returns all properties of one attribute.
func (s *SQLDatabase) GetDeviceAttributeProperty(ctx context.Context, device, attribute string) (map[string][]string, error) {
	return s.queryProps(ctx,
		`SELECT name, value FROM device_attribute_property
		 WHERE device = ? COLLATE NOCASE AND attribute = ? COLLATE NOCASE
		 ORDER BY name, idx`,
		nil, device, attribute)
}

// PutDeviceAttributeProperty stores attribute properties, keyed by
// attribute then property name.
func (s *SQLDatabase) PutDeviceAttributeProperty(ctx context.Context, device string, props map[string]map[string][]string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, attr := range sortedKeys(props) {
			for _, name := range sortedKeys(props[attr]) {
				if err := replaceProp(ctx, tx,
					`DELETE FROM device_attribute_property
					 WHERE device = ? COLLATE NOCASE AND attribute = ? COLLATE NOCASE AND name = ? COLLATE NOCASE`,
					`INSERT INTO device_attribute_property (device, attribute, name, idx, value) VALUES (?, ?, ?, ?, ?)`,
					[]any{device, attr, name}, props[attr][name]); err != nil {
					return fmt.Errorf("storing %s/%s->%s: %w", device, attr, name, err)
				}
			}
		}
		return nil
	})
}

// Close closes the connection.
func (s *SQLDatabase) Close() error {
	return s.db.Close()
}

// replaceProp deletes a property with del and inserts one row per value
// with ins. key holds the leading insert arguments, which are also the
// delete arguments.
func replaceProp(ctx context.Context, tx *sql.Tx, del, ins string, key []any, values []string) error {
	if _, err := tx.ExecContext(ctx, del, key...); err != nil {
		return err
	}
	for i, v := range values {
		args := append(append([]any(nil), key...), i, v)
		if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLDatabase) queryProps(ctx context.Context, query string, names []string, args ...any) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		if len(names) == 0 {
			out[name] = append(out[name], value)
			continue
		}
		for _, n := range names {
			if strings.EqualFold(n, name) {
				out[n] = append(out[n], value)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating properties: %w", err)
	}
	return out, nil
}
