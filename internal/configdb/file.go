package configdb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const filePermissions = 0600

type entryKind int

const (
	deviceEntry entryKind = iota
	attributeEntry
	classEntry
)

// entry is one property line of a database file.
type entry struct {
	kind   entryKind
	owner  string // device or class name
	attr   string // attribute entries only
	name   string
	values []string
}

func (e *entry) matches(kind entryKind, owner, attr, name string) bool {
	return e.kind == kind &&
		strings.EqualFold(e.owner, owner) &&
		strings.EqualFold(e.attr, attr) &&
		strings.EqualFold(e.name, name)
}

// serverLine declares the devices of one class in one server instance.
type serverLine struct {
	server  string
	class   string
	devices []string
}

// FileDatabase is a Database kept in a plain text file. Every change
// rewrites the file.
//
// The file holds one declaration per line:
//
//	<server>/<instance>/DEVICE/<class>: dev/a/1, dev/a/2
//	<device>-><property>: v1, v2
//	<device>/<attribute>-><property>: v
//	CLASS/<class>-><property>: v
//
// Lines starting with '#' are comments and a trailing '\' joins a line
// with the next. Values holding commas, quotes or surrounding blanks are
// written as Go quoted strings.
type FileDatabase struct {
	mu      sync.Mutex
	path    string
	closed  bool
	servers []serverLine
	entries []*entry
}

var _ Database = (*FileDatabase)(nil)

// OpenFile opens the database file at path, creating an empty one if it
// does not exist.
func OpenFile(path string) (*FileDatabase, error) {
	db, err := LoadFile(path)
	if err == nil {
		return db, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	db = &FileDatabase{path: path}
	if err := db.save(); err != nil {
		return nil, err
	}
	return db, nil
}

// LoadFile reads and validates an existing database file.
func LoadFile(path string) (*FileDatabase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening database file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read only

	db, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	db.path = path
	return db, nil
}

// Parse reads a database from r. The result is not bound to a file until
// it is saved with SaveAs.
func Parse(r io.Reader) (*FileDatabase, error) {
	db := &FileDatabase{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		pending   strings.Builder
		startLn   int
		lineNo    int
		inLogical bool
	)
	flush := func() error {
		if !inLogical {
			return nil
		}
		inLogical = false
		line := pending.String()
		pending.Reset()
		if err := db.parseLine(line); err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrInvalidFile, startLn, err)
		}
		return nil
	}

	for sc.Scan() {
		lineNo++
		raw := strings.TrimRight(sc.Text(), " \t\r")
		if !inLogical {
			trimmed := strings.TrimSpace(raw)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			startLn = lineNo
			inLogical = true
		}
		if cont, ok := strings.CutSuffix(raw, `\`); ok && !strings.HasSuffix(cont, `\`) {
			pending.WriteString(cont)
			continue
		}
		pending.WriteString(raw)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading database file: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *FileDatabase) parseLine(line string) error {
	key, rest, ok := strings.Cut(line, ":")
	if !ok {
		return errors.New("missing ':'")
	}
	key = strings.TrimSpace(key)
	values, err := splitValues(rest)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("%s: no value", key)
	}

	owner, prop, isProp := strings.Cut(key, "->")
	if !isProp {
		parts := strings.Split(key, "/")
		if len(parts) != 4 || !strings.EqualFold(parts[2], "DEVICE") || parts[0] == "" || parts[1] == "" || parts[3] == "" {
			return fmt.Errorf("%s: want <server>/<instance>/DEVICE/<class>", key)
		}
		for _, d := range values {
			if err := checkDeviceName(d); err != nil {
				return err
			}
		}
		db.addServer(parts[0]+"/"+parts[1], parts[3], values)
		return nil
	}

	owner, prop = strings.TrimSpace(owner), strings.TrimSpace(prop)
	if prop == "" {
		return fmt.Errorf("%s: empty property name", key)
	}
	if class, ok := cutPrefixFold(owner, "CLASS/"); ok {
		if class == "" || strings.Contains(class, "/") {
			return fmt.Errorf("%s: bad class name", key)
		}
		db.put(&entry{kind: classEntry, owner: class, name: prop, values: values})
		return nil
	}
	parts := strings.Split(owner, "/")
	switch len(parts) {
	case 3:
		if err := checkDeviceName(owner); err != nil {
			return err
		}
		db.put(&entry{kind: deviceEntry, owner: owner, name: prop, values: values})
	case 4:
		dev := strings.Join(parts[:3], "/")
		if err := checkDeviceName(dev); err != nil || parts[3] == "" {
			return fmt.Errorf("%s: bad attribute name", key)
		}
		db.put(&entry{kind: attributeEntry, owner: dev, attr: parts[3], name: prop, values: values})
	default:
		return fmt.Errorf("%s: bad property owner", key)
	}
	return nil
}

func checkDeviceName(name string) error {
	parts := strings.Split(name, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return fmt.Errorf("bad device name %q", name)
	}
	return nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// Path returns the file backing the database.
func (db *FileDatabase) Path() string {
	return db.path
}

// SaveAs binds the database to path and writes it there.
func (db *FileDatabase) SaveAs(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.path = path
	return db.save()
}

// WriteTo writes the database in file format.
func (db *FileDatabase) WriteTo(w io.Writer) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n, err := w.Write(db.render())
	return int64(n), err
}

func (db *FileDatabase) render() []byte {
	var b bytes.Buffer
	for _, s := range db.servers {
		fmt.Fprintf(&b, "%s/DEVICE/%s: %s\n", s.server, s.class, formatValues(s.devices))
	}
	for _, e := range db.entries {
		switch e.kind {
		case deviceEntry:
			fmt.Fprintf(&b, "%s->%s: %s\n", e.owner, e.name, formatValues(e.values))
		case attributeEntry:
			fmt.Fprintf(&b, "%s/%s->%s: %s\n", e.owner, e.attr, e.name, formatValues(e.values))
		case classEntry:
			fmt.Fprintf(&b, "CLASS/%s->%s: %s\n", e.owner, e.name, formatValues(e.values))
		}
	}
	return b.Bytes()
}

// save writes through a temporary file so readers never see a partial
// database. Callers hold mu.
func (db *FileDatabase) save() error {
	if db.path == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(db.path), ".configdb-*")
	if err != nil {
		return fmt.Errorf("writing database file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename

	if _, err := tmp.Write(db.render()); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("writing database file: %w", err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("writing database file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing database file: %w", err)
	}
	if err := os.Rename(tmp.Name(), db.path); err != nil {
		return fmt.Errorf("writing database file: %w", err)
	}
	return nil
}

func (db *FileDatabase) addServer(server, class string, devices []string) {
	for _, d := range devices {
		db.dropDevice(d)
	}
	for i := range db.servers {
		s := &db.servers[i]
		if strings.EqualFold(s.server, server) && strings.EqualFold(s.class, class) {
			s.devices = append(s.devices, devices...)
			return
		}
	}
	db.servers = append(db.servers, serverLine{server: server, class: class, devices: devices})
}

func (db *FileDatabase) dropDevice(name string) {
	kept := db.servers[:0]
	for _, s := range db.servers {
		s.devices = deleteFold(s.devices, name)
		if len(s.devices) > 0 {
			kept = append(kept, s)
		}
	}
	db.servers = kept
}

func deleteFold(list []string, name string) []string {
	out := list[:0]
	for _, s := range list {
		if !strings.EqualFold(s, name) {
			out = append(out, s)
		}
	}
	return out
}

// put replaces an entry with the same key or appends e.
func (db *FileDatabase) put(e *entry) {
	for i, old := range db.entries {
		if old.matches(e.kind, e.owner, e.attr, e.name) {
			db.entries[i] = e
			return
		}
	}
	db.entries = append(db.entries, e)
}

func (db *FileDatabase) remove(kind entryKind, owner, attr, name string) {
	kept := db.entries[:0]
	for _, e := range db.entries {
		if !e.matches(kind, owner, attr, name) {
			kept = append(kept, e)
		}
	}
	db.entries = kept
}

func (db *FileDatabase) get(kind entryKind, owner, attr string, names []string) map[string][]string {
	out := make(map[string][]string)
	for _, e := range db.entries {
		if e.kind != kind || !strings.EqualFold(e.owner, owner) || !strings.EqualFold(e.attr, attr) {
			continue
		}
		if len(names) == 0 {
			out[e.name] = append([]string(nil), e.values...)
			continue
		}
		for _, n := range names {
			if strings.EqualFold(n, e.name) {
				out[n] = append([]string(nil), e.values...)
			}
		}
	}
	return out
}

func (db *FileDatabase) lock() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// AddServer declares devices of class in server.
func (db *FileDatabase) AddServer(_ context.Context, server, class string, devices []string) error {
	if len(strings.Split(server, "/")) != 2 {
		return fmt.Errorf("configdb: server %q: want <server>/<instance>", server)
	}
	for _, d := range devices {
		if err := checkDeviceName(d); err != nil {
			return fmt.Errorf("configdb: %w", err)
		}
	}
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	db.addServer(server, class, append([]string(nil), devices...))
	return db.save()
}

// ServerClasses lists the classes exported by server.
func (db *FileDatabase) ServerClasses(_ context.Context, server string) ([]ServerClass, error) {
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()

	var out []ServerClass
	for _, s := range db.servers {
		if strings.EqualFold(s.server, server) {
			out = append(out, ServerClass{Class: s.class, Devices: append([]string(nil), s.devices...)})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}
	return out, nil
}

// GetDeviceProperty returns the named properties of device, or all of them
// when no name is given. Missing properties are absent from the result.
func (db *FileDatabase) GetDeviceProperty(_ context.Context, device string, names ...string) (map[string][]string, error) {
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()
	return db.get(deviceEntry, device, "", names), nil
}

// PutDeviceProperty stores properties of device.
func (db *FileDatabase) PutDeviceProperty(_ context.Context, device string, props map[string][]string) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	for _, name := range sortedKeys(props) {
		db.put(&entry{kind: deviceEntry, owner: device, name: name, values: append([]string(nil), props[name]...)})
	}
	return db.save()
}

// DeleteDeviceProperty removes properties of device.
func (db *FileDatabase) DeleteDeviceProperty(_ context.Context, device string, names ...string) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	for _, n := range names {
		db.remove(deviceEntry, device, "", n)
	}
	return db.save()
}

// GetClassProperty returns the named properties of class.
func (db *FileDatabase) GetClassProperty(_ context.Context, class string, names ...string) (map[string][]string, error) {
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()
	return db.get(classEntry, class, "", names), nil
}

// PutClassProperty stores properties of class.
func (db *FileDatabase) PutClassProperty(_ context.Context, class string, props map[string][]string) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	for _, name := range sortedKeys(props) {
		db.put(&entry{kind: classEntry, owner: class, name: name, values: append([]string(nil), props[name]...)})
	}
	return db.save()
}

// GetDeviceAttributeProperty returns all properties of one attribute.
func (db *FileDatabase) GetDeviceAttributeProperty(_ context.Context, device, attribute string) (map[string][]string, error) {
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()
	return db.get(attributeEntry, device, attribute, nil), nil
}

// PutDeviceAttributeProperty stores attribute properties, keyed by
// attribute then property name.
func (db *FileDatabase) PutDeviceAttributeProperty(_ context.Context, device string, props map[string]map[string][]string) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	for _, attr := range sortedKeys(props) {
		for _, name := range sortedKeys(props[attr]) {
			db.put(&entry{
				kind:   attributeEntry,
				owner:  device,
				attr:   attr,
				name:   name,
				values: append([]string(nil), props[attr][name]...),
			})
		}
	}
	return db.save()
}

// Close releases the database. The file is left in place.
func (db *FileDatabase) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}
