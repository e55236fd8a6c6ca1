package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/devicekit/internal/configdb"
	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/endpoint"
	"github.com/nerrad567/devicekit/internal/infrastructure/database"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/worker"
)

// Failure reasons raised by the server itself rather than by a device.
const (
	ReasonDeviceNotFound = "API_DeviceNotFound"
	ReasonBadRequest     = "API_InvalidArgs"
	ReasonUnsupportedOp  = "API_UnsupportedFeature"
	ReasonServerStopping = "API_ServerStopping"
)

var (
	// ErrNoDatabase is returned by Run when argv names neither a database
	// file nor -nodb with a device list.
	ErrNoDatabase = errors.New("server: no database: use -file=<db> or -nodb -dlist <devices>")

	// ErrUnknownClass is returned by Run for a database class that is
	// neither exported nor registered.
	ErrUnknownClass = errors.New("server: unknown device class")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrWritesTaken is returned when the broker already routes the write
	// topics to another server.
	ErrWritesTaken = errors.New("server: remote write topics already subscribed")
)

// Options configures a Server.
type Options struct {
	Args Args

	// Classes the server exports. Database classes not listed here are
	// looked up in the device catalogue.
	Classes []*device.Class

	// DB replaces the database named by Args. The server does not close it.
	DB configdb.Database

	// GreenMode is the mode of classes that do not pin one. Nil means
	// worker.DefaultMode().
	GreenMode *worker.Mode

	// Workers bounds the Futures pool.
	Workers int

	Logger *logging.Logger

	// PostInit runs through the worker once every device is initialised
	// and both ports accept connections.
	PostInit func(ctx context.Context, s *Server) error

	// MQTT mirrors events and accepts remote attribute writes.
	MQTT Broker

	// Archive receives archive events.
	Archive Archiver

	// Registry receives the server metrics. Nil means a private registry.
	Registry *prometheus.Registry
}

// Server is one running device server instance.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	opts      Options
	log       *logging.Logger
	name      string
	adminName string
	registry  *prometheus.Registry
	metrics   *metrics
	mirror    *mirror
	hub       *hub

	mu        sync.RWMutex
	running   bool
	stopping  bool
	mode      worker.Mode
	worker    worker.Worker
	classes   []*device.Class
	devices   []device.Device
	byName    map[string]device.Device
	host      string
	port      int
	eventPort int
	ior       string
	conns     map[net.Conn]struct{}

	reqWG    sync.WaitGroup
	connWG   sync.WaitGroup
	kill     chan struct{}
	killOnce sync.Once
	ready    chan struct{}
}

// New creates a server. Nothing listens until Run.
func New(opts Options) (*Server, error) {
	if opts.Args.Server == "" || opts.Args.Instance == "" {
		return nil, fmt.Errorf("%w: server and instance names are required", ErrUsage)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		opts:      opts,
		name:      opts.Args.ServerName(),
		adminName: "dserver/" + opts.Args.ServerName(),
		registry:  opts.Registry,
		byName:    make(map[string]device.Device),
		conns:     make(map[net.Conn]struct{}),
		kill:      make(chan struct{}),
		ready:     make(chan struct{}),
	}
	s.log = opts.Logger.With("server", s.name)

	m, err := newMetrics(opts.Registry, s.name)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	s.mirror = &mirror{broker: opts.MQTT, archiver: opts.Archive, log: s.log}
	s.hub = newHub(s)
	return s, nil
}

// Run starts the server and blocks until Kill is called, ctx is done or
// serving fails. Devices are deleted before it returns.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	db, owned, err := s.openDatabase(ctx)
	if err != nil {
		return err
	}
	if owned {
		defer func() {
			if err := db.Close(); err != nil {
				s.log.Warn("failed to close database", "error", err)
			}
		}()
	}

	layout, err := db.ServerClasses(ctx, s.name)
	if err != nil {
		return fmt.Errorf("reading devices of %s: %w", s.name, err)
	}
	classes, err := s.resolveClasses(layout)
	if err != nil {
		return err
	}

	// One mode per process, decided before any device exists.
	reqs := make([]worker.Requirement, 0, len(classes))
	for _, c := range classes {
		reqs = append(reqs, c.Requirement())
	}
	mode, err := worker.ResolveMode(reqs, s.opts.GreenMode)
	if err != nil {
		return err
	}
	w, err := worker.New(mode, worker.WithPoolSize(s.opts.Workers), worker.WithLogger(s.log))
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			s.log.Warn("failed to close worker", "error", err)
		}
	}()

	ln, evLn, err := s.listen(ctx)
	if err != nil {
		return err
	}
	defer ln.Close()   //nolint:errcheck // closed by shutdown on the normal path
	defer evLn.Close() //nolint:errcheck // closed by shutdown on the normal path

	s.mu.Lock()
	s.mode = mode
	s.worker = w
	s.classes = classes
	s.mu.Unlock()

	defer s.deleteDevices(context.WithoutCancel(ctx))
	if err := s.createDevices(ctx, db, layout, classes, w); err != nil {
		return err
	}
	if err := s.subscribeWrites(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("failed to subscribe to remote writes", "error", err)
	}

	if s.opts.PostInit != nil {
		if _, err := w.Execute(ctx, func(ctx context.Context) (any, error) {
			return nil, s.opts.PostInit(ctx, s)
		}); err != nil {
			return fmt.Errorf("post init of %s: %w", s.name, err)
		}
	}

	s.log.Info("device server ready",
		"host", s.host,
		"port", s.port,
		"event_port", s.eventPort,
		"green_mode", mode.String(),
		"devices", len(s.Devices()),
	)
	close(s.ready)

	return s.serve(ctx, ln, evLn)
}

func (s *Server) openDatabase(ctx context.Context) (configdb.Database, bool, error) {
	if s.opts.DB != nil {
		return s.opts.DB, false, nil
	}
	args := s.opts.Args
	switch {
	case args.File != "":
		switch strings.ToLower(filepath.Ext(args.File)) {
		case ".db", ".sqlite", ".sqlite3":
			db, err := configdb.OpenSQL(ctx, database.Config{Path: args.File, WALMode: true, BusyTimeout: 5})
			if err != nil {
				return nil, false, fmt.Errorf("opening database %s: %w", args.File, err)
			}
			return db, true, nil
		}
		db, err := configdb.LoadFile(args.File)
		if err != nil {
			return nil, false, err
		}
		return db, true, nil
	case args.NoDB() && len(args.DeviceList()) > 0:
		if len(s.opts.Classes) == 0 {
			return nil, false, fmt.Errorf("%w: -nodb needs an exported class", ErrNoDatabase)
		}
		db, err := configdb.Parse(strings.NewReader(""))
		if err != nil {
			return nil, false, err
		}
		if err := db.AddServer(ctx, s.name, s.opts.Classes[0].Name(), args.DeviceList()); err != nil {
			return nil, false, err
		}
		return db, true, nil
	}
	return nil, false, ErrNoDatabase
}

func (s *Server) resolveClasses(layout []configdb.ServerClass) ([]*device.Class, error) {
	classes := slices.Clone(s.opts.Classes)
	for _, sc := range layout {
		if classFor(classes, sc.Class) != nil {
			continue
		}
		c, err := device.Lookup(sc.Class)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownClass, sc.Class)
		}
		classes = append(classes, c)
	}
	return classes, nil
}

func classFor(classes []*device.Class, name string) *device.Class {
	for _, c := range classes {
		if strings.EqualFold(c.Name(), name) {
			return c
		}
	}
	return nil
}

func (s *Server) listen(ctx context.Context) (net.Listener, net.Listener, error) {
	args := s.opts.Args
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(args.Host, strconv.Itoa(args.Port)))
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", args.Endpoint(), err)
	}
	evLn, err := lc.Listen(ctx, "tcp", net.JoinHostPort(args.Host, "0"))
	if err != nil {
		ln.Close() //nolint:errcheck // error path
		return nil, nil, fmt.Errorf("listening for events: %w", err)
	}

	host := args.Host
	if endpoint.IsUnspecified(host) {
		host = endpoint.HostIP(ctx)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	s.mu.Lock()
	s.host = host
	s.port = port
	s.eventPort = evLn.Addr().(*net.TCPAddr).Port
	s.ior = endpoint.EncodeIOR(endpoint.DeviceTypeID, host, port, []byte(s.adminName))
	s.mu.Unlock()
	return ln, evLn, nil
}

func (s *Server) createDevices(ctx context.Context, db configdb.Database, layout []configdb.ServerClass, classes []*device.Class, w worker.Worker) error {
	for _, sc := range layout {
		c := classFor(classes, sc.Class)
		for _, name := range sc.Devices {
			dev, err := c.NewDevice(name, device.Env{
				Worker: w,
				Store:  db,
				Events: s.hub,
				Logger: s.log.With("device", name),
			})
			if err != nil {
				return fmt.Errorf("creating %s: %w", name, err)
			}
			s.addDevice(dev)
			if err := dev.DeviceBase().Init(ctx); err != nil {
				return fmt.Errorf("initialising %s: %w", name, err)
			}
			s.log.Debug("device initialised", "device", name, "class", c.Name())
		}
	}

	admin, err := adminClass.NewDevice(s.adminName, device.Env{Worker: w, Events: s.hub, Logger: s.log})
	if err != nil {
		return err
	}
	admin.(*adminDevice).srv = s
	s.addDevice(admin)
	if err := admin.DeviceBase().Init(ctx); err != nil {
		return fmt.Errorf("initialising %s: %w", s.adminName, err)
	}
	return nil
}

func (s *Server) addDevice(dev device.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, dev)
	s.byName[strings.ToLower(dev.DeviceBase().Name())] = dev
	s.metrics.devices.Set(float64(len(s.devices)))
}

// deleteDevices runs DeleteDevice on every device, last created first.
func (s *Server) deleteDevices(ctx context.Context) {
	s.mu.RLock()
	devices := slices.Clone(s.devices)
	s.mu.RUnlock()
	for i := len(devices) - 1; i >= 0; i-- {
		b := devices[i].DeviceBase()
		if err := b.Delete(ctx); err != nil {
			s.log.Warn("failed to delete device", "device", b.Name(), "error", err)
		}
	}
	if s.mirror.writes && s.mirror.broker.HasSubscription(s.mirror.topics.AllWrites()) {
		if err := s.mirror.broker.Unsubscribe(s.mirror.topics.AllWrites()); err != nil {
			s.log.Debug("failed to unsubscribe from remote writes", "error", err)
		}
	}
	s.log.Info("device server stopped")
}

func (s *Server) serve(ctx context.Context, ln, evLn net.Listener) error {
	// Requests already accepted finish even when ctx ends.
	reqCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(ln, func(conn net.Conn) { s.serveRequests(reqCtx, conn) })
	})
	g.Go(func() error {
		return s.acceptLoop(evLn, func(conn net.Conn) { s.hub.serveConn(reqCtx, conn) })
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.kill:
			s.log.Info("kill requested")
		}
		s.shutdown(ln, evLn)
		return nil
	})
	err := g.Wait()
	s.connWG.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopping() {
				return nil
			}
			return fmt.Errorf("accepting on %s: %w", ln.Addr(), err)
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			handle(conn)
		}()
	}
}

// shutdown stops accepting, lets in-flight requests reply, then drops
// every connection.
func (s *Server) shutdown(ln, evLn net.Listener) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	ln.Close()   //nolint:errcheck // unblocks Accept
	evLn.Close() //nolint:errcheck // unblocks Accept
	s.reqWG.Wait()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close() //nolint:errcheck // shutting down
	}
	s.mu.Unlock()
	s.hub.Close()
}

func (s *Server) isStopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping
}

// Kill makes Run return. It may be called more than once.
func (s *Server) Kill() {
	s.killOnce.Do(func() { close(s.kill) })
}

// Ready is closed once the server accepts requests.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Name returns "<server>/<instance>".
func (s *Server) Name() string {
	return s.name
}

// AdminName returns the name of the admin device.
func (s *Server) AdminName() string {
	return s.adminName
}

// IOR returns the object reference of the admin device, which carries
// the advertised host and port.
func (s *Server) IOR() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ior
}

// HostPort decodes the server's own IOR.
func (s *Server) HostPort() (string, int, error) {
	ior, err := endpoint.ParseIOR(s.IOR())
	if err != nil {
		return "", 0, err
	}
	host, port := ior.HostPort()
	return host, port, nil
}

// EventPort returns the port of the event channel.
func (s *Server) EventPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventPort
}

// GreenMode returns the mode the server runs in.
func (s *Server) GreenMode() worker.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Registry returns the registry holding the server metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Device returns a device by name, ignoring case.
func (s *Server) Device(name string) (device.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.byName[strings.ToLower(name)]
	return dev, ok
}

// Devices lists the exported devices in creation order, the admin device
// last.
func (s *Server) Devices() []device.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.devices)
}

// ClassNames lists the exported classes.
func (s *Server) ClassNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c.Name())
	}
	return out
}

// Subscriptions returns the number of live event subscriptions.
func (s *Server) Subscriptions() int {
	return s.hub.Subscriptions()
}

func (s *Server) lookup(name string) (device.Device, error) {
	if dev, ok := s.Device(name); ok {
		return dev, nil
	}
	return nil, device.Failedf(ReasonDeviceNotFound, "Server.lookup", "device %s is not exported by %s", name, s.name)
}
