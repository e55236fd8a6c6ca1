package testctx

import (
	"context"
	"errors"
	"strings"

	"github.com/nerrad567/devicekit/internal/client"
	"github.com/nerrad567/devicekit/internal/device"
)

// DeviceContext runs a single device of one class.
type DeviceContext struct {
	*MultiDeviceContext
	name string
}

// NewDeviceContext prepares a context for one device of class. An empty
// cfg.Name becomes "test/nodb/<server name>", lower-cased.
func NewDeviceContext(class *device.Class, cfg DeviceConfig, opts Options) (*DeviceContext, error) {
	if class == nil {
		return nil, errors.New("testctx: nil device class")
	}
	if opts.ServerName == "" {
		opts.ServerName = class.Name()
	}
	if cfg.Name == "" {
		cfg.Name = "test/nodb/" + strings.ToLower(opts.ServerName)
	}
	mc, err := NewMultiDeviceContext([]DeviceSpec{{Class: class, Devices: []DeviceConfig{cfg}}}, opts)
	if err != nil {
		return nil, err
	}
	return &DeviceContext{MultiDeviceContext: mc, name: cfg.Name}, nil
}

// Start runs the server and pings the device.
func (c *DeviceContext) Start(ctx context.Context) error {
	if err := c.MultiDeviceContext.Start(ctx); err != nil {
		return err
	}
	p, err := c.Proxy(ctx)
	if err == nil {
		_, err = p.Ping(ctx)
	}
	if err != nil {
		return errors.Join(err, c.Stop(ctx))
	}
	return nil
}

// DeviceName returns the name of the device.
func (c *DeviceContext) DeviceName() string { return c.name }

// Access returns the access string of the device.
func (c *DeviceContext) Access() string {
	return c.DeviceAccess(c.name)
}

// Proxy returns the cached proxy to the device.
func (c *DeviceContext) Proxy(ctx context.Context) (*client.DeviceProxy, error) {
	return c.Device(ctx, c.name)
}
