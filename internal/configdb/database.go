package configdb

import (
	"context"
	"errors"

	"github.com/nerrad567/devicekit/internal/device"
)

var (
	// ErrInvalidFile is returned when a database file does not parse.
	ErrInvalidFile = errors.New("configdb: invalid database file")

	// ErrServerNotFound is returned by ServerClasses for an unknown server.
	ErrServerNotFound = errors.New("configdb: server not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("configdb: closed")
)

// Database is the configuration database a device server reads its
// device list and properties from.
type Database interface {
	device.Store

	// AddServer declares the devices of class exported by server, given as
	// "<server>/<instance>". Devices already declared are moved.
	AddServer(ctx context.Context, server, class string, devices []string) error

	// ServerClasses lists the classes of server with their devices, in
	// declaration order.
	ServerClasses(ctx context.Context, server string) ([]ServerClass, error)

	PutClassProperty(ctx context.Context, class string, props map[string][]string) error

	Close() error
}

// ServerClass is one class exported by a server.
type ServerClass struct {
	Class   string
	Devices []string
}
