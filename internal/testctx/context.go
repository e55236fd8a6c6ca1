package testctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devicekit/internal/client"
	"github.com/nerrad567/devicekit/internal/configdb"
	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/endpoint"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/process"
	"github.com/nerrad567/devicekit/internal/server"
	"github.com/nerrad567/devicekit/internal/worker"
)

const (
	// DefaultThreadTimeout bounds the wait for an in-process server.
	DefaultThreadTimeout = 3 * time.Second

	// DefaultProcessTimeout bounds the wait for a child server process.
	DefaultProcessTimeout = 5 * time.Second

	// defaultDebug is the verbosity passed to the server.
	defaultDebug = 3
)

var (
	// ErrInvalidDatabaseFile is returned when the generated database file
	// does not load back. The error is a *DatabaseFileError.
	ErrInvalidDatabaseFile = errors.New("testctx: invalid database file")

	// ErrServerStuck is returned when the server is still running but did
	// not report ready in time.
	ErrServerStuck = errors.New("testctx: server appears to be stuck at initialization")

	// ErrServerDied is returned when the server process ended before
	// reporting ready.
	ErrServerDied = errors.New("testctx: server process stopped before reporting")

	// ErrServerSilent is returned when the server stopped without
	// reporting anything.
	ErrServerSilent = errors.New("testctx: server stopped without reporting")

	// ErrDuplicateClass is returned when two device specs name the same
	// class.
	ErrDuplicateClass = errors.New("testctx: class listed more than once")

	// ErrNotRunning is returned by calls that need a started context.
	ErrNotRunning = errors.New("testctx: context not running")
)

// DatabaseFileError carries the content of a database file that failed
// to load.
type DatabaseFileError struct {
	Path    string
	Content string
	Err     error
}

func (e *DatabaseFileError) Error() string {
	return fmt.Sprintf("invalid database file %s (check device properties for empty lists): %v\nfile content:\n%s",
		e.Path, e.Err, e.Content)
}

func (e *DatabaseFileError) Unwrap() []error {
	return []error{ErrInvalidDatabaseFile, e.Err}
}

// Phase is the lifecycle position of a context.
type Phase int

const (
	Created Phase = iota
	Started
	Connected
	Running
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Created:
		return "created"
	case Started:
		return "started"
	case Connected:
		return "connected"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// DeviceSpec lists the devices of one class.
type DeviceSpec struct {
	Class   *device.Class
	Devices []DeviceConfig
}

// DeviceConfig is one device with its initial properties and memorized
// attribute values. Values are strings, slices or anything FormatValues
// understands.
type DeviceConfig struct {
	Name       string
	Properties map[string]any
	Memorized  map[string]any
}

// Options configures a context. Zero values select the defaults.
type Options struct {
	// ServerName defaults to the name of the first class.
	ServerName string
	// InstanceName defaults to the lower-cased server name.
	InstanceName string
	// DB is an existing database file to use. It is not deleted on Stop.
	DB string
	// Host defaults to the first non-loopback IPv4 address.
	Host string
	Port int
	// Debug is the server verbosity, 0 to 5.
	Debug *int
	// Process runs the server in a child process instead of a goroutine.
	Process bool
	// Timeout bounds the wait for readiness and for the server to stop.
	Timeout   time.Duration
	GreenMode *worker.Mode
	// Executable is re-executed in process mode. It must call
	// RunChildIfRequested early. Defaults to the running binary.
	Executable string
	ExtraArgs  []string
	Logger     *logging.Logger
}

// report is one message of the readiness queue.
type report struct {
	host string
	port int
	err  error
}

// MultiDeviceContext runs a device server exporting several classes
// without a persistent database, using a throwaway database file.
type MultiDeviceContext struct {
	opts    Options
	classes []*device.Class
	args    server.Args
	log     *logging.Logger

	dbPath string
	ownDB  bool

	reports chan report

	// in-process server
	srv     *server.Server
	cancel  context.CancelFunc
	runDone chan struct{}
	runErr  error

	// child process
	child *process.Manager

	mu      sync.Mutex
	phase   Phase
	host    string
	port    int
	admin   *client.DeviceProxy
	proxies map[string]*client.DeviceProxy
}

// NewMultiDeviceContext writes the database file for specs and prepares
// the server argument vector. Nothing runs until Start.
func NewMultiDeviceContext(specs []DeviceSpec, opts Options) (*MultiDeviceContext, error) {
	if len(specs) == 0 {
		return nil, errors.New("testctx: no device classes")
	}
	classes := make([]*device.Class, 0, len(specs))
	reqs := make([]worker.Requirement, 0, len(specs))
	seen := make(map[string]bool)
	for _, s := range specs {
		if s.Class == nil {
			return nil, errors.New("testctx: device spec without class")
		}
		k := strings.ToLower(s.Class.Name())
		if seen[k] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, s.Class.Name())
		}
		seen[k] = true
		classes = append(classes, s.Class)
		reqs = append(reqs, s.Class.Requirement())
	}
	// Fail before writing anything when the classes cannot share a server.
	if _, err := worker.ResolveMode(reqs, opts.GreenMode); err != nil {
		return nil, err
	}

	if opts.ServerName == "" {
		opts.ServerName = classes[0].Name()
	}
	if opts.InstanceName == "" {
		opts.InstanceName = strings.ToLower(opts.ServerName)
	}
	if opts.Host == "" {
		opts.Host = endpoint.HostIP(context.Background())
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultThreadTimeout
		if opts.Process {
			opts.Timeout = DefaultProcessTimeout
		}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	c := &MultiDeviceContext{
		opts:    opts,
		classes: classes,
		log:     opts.Logger.With("component", "testctx", "server", opts.ServerName+"/"+opts.InstanceName),
		reports: make(chan report, 4),
		proxies: make(map[string]*client.DeviceProxy),
	}
	if err := c.writeDatabase(specs); err != nil {
		c.deleteDatabase()
		return nil, err
	}

	debug := defaultDebug
	if opts.Debug != nil {
		debug = *opts.Debug
	}
	argv := []string{
		opts.ServerName, opts.InstanceName,
		"-ORBendPoint", "giop:tcp:" + hostPort(opts.Host, opts.Port),
		"-file=" + c.dbPath,
	}
	if debug > 0 {
		argv = append(argv, "-v"+strconv.Itoa(debug))
	}
	argv = append(argv, opts.ExtraArgs...)
	args, err := server.ParseArgs(argv)
	if err != nil {
		c.deleteDatabase()
		return nil, err
	}
	c.args = args
	return c, nil
}

func hostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

// writeDatabase declares every device of specs with its properties and
// memorized values, then loads the file back to validate it.
func (c *MultiDeviceContext) writeDatabase(specs []DeviceSpec) error {
	ctx := context.Background()
	if c.opts.DB != "" {
		c.dbPath = c.opts.DB
	} else {
		f, err := os.CreateTemp("", "devicekit-*.txt")
		if err != nil {
			return fmt.Errorf("creating database file: %w", err)
		}
		f.Close() //nolint:errcheck // only the name is kept
		c.dbPath, c.ownDB = f.Name(), true
	}

	db, err := configdb.OpenFile(c.dbPath)
	if err != nil {
		return c.invalidDatabase(err)
	}
	defer db.Close() //nolint:errcheck // file database

	srvName := c.opts.ServerName + "/" + c.opts.InstanceName
	for _, s := range specs {
		names := make([]string, 0, len(s.Devices))
		for _, d := range s.Devices {
			names = append(names, d.Name)
		}
		if err := db.AddServer(ctx, srvName, s.Class.Name(), names); err != nil {
			return err
		}
		for _, d := range s.Devices {
			if err := db.PutDeviceProperty(ctx, d.Name, propertyValues(d.Properties)); err != nil {
				return err
			}
			memorized := make(map[string]map[string][]string, len(d.Memorized))
			for attr, v := range d.Memorized {
				memorized[attr] = map[string][]string{device.MemorizedProperty: device.FormatValues(v)}
			}
			if err := db.PutDeviceAttributeProperty(ctx, d.Name, memorized); err != nil {
				return err
			}
		}
	}

	if _, err := configdb.LoadFile(c.dbPath); err != nil {
		return c.invalidDatabase(err)
	}
	return nil
}

// propertyValues converts property values to database strings. An empty
// string becomes a single blank, which the file format can hold.
func propertyValues(props map[string]any) map[string][]string {
	out := make(map[string][]string, len(props))
	for name, v := range props {
		if s, ok := v.(string); ok && s == "" {
			v = " "
		}
		out[name] = device.FormatValues(v)
	}
	return out
}

func (c *MultiDeviceContext) invalidDatabase(err error) error {
	if !errors.Is(err, configdb.ErrInvalidFile) {
		return err
	}
	content, rerr := os.ReadFile(c.dbPath)
	if rerr != nil {
		content = []byte("<unreadable: " + rerr.Error() + ">")
	}
	return &DatabaseFileError{Path: c.dbPath, Content: string(content), Err: err}
}

func (c *MultiDeviceContext) deleteDatabase() error {
	if !c.ownDB || c.dbPath == "" {
		return nil
	}
	if err := os.Remove(c.dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing database file: %w", err)
	}
	return nil
}

// send enqueues a report without ever blocking the server.
func (c *MultiDeviceContext) send(r report) {
	select {
	case c.reports <- r:
	default:
	}
}

// Start runs the server and waits until it answers. On failure the
// context is stopped and its database file removed.
func (c *MultiDeviceContext) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != Created {
		c.mu.Unlock()
		return fmt.Errorf("testctx: cannot start a %s context", c.phase)
	}
	c.phase = Started
	c.mu.Unlock()

	var err error
	if c.opts.Process {
		err = c.startProcess(ctx)
	} else {
		err = c.startThread()
	}
	if err == nil {
		err = c.connect(ctx)
	}
	if err != nil {
		return errors.Join(err, c.Stop(ctx))
	}
	c.mu.Lock()
	c.phase = Running
	c.mu.Unlock()
	c.log.Info("test server running", "host", c.host, "port", c.port, "process", c.opts.Process)
	return nil
}

func (c *MultiDeviceContext) startThread() error {
	srv, err := server.New(server.Options{
		Args:      c.args,
		Classes:   c.classes,
		GreenMode: c.opts.GreenMode,
		Logger:    c.opts.Logger,
		PostInit: func(_ context.Context, s *server.Server) error {
			c.reportReady(s)
			return nil
		},
	})
	if err != nil {
		return err
	}
	c.srv = srv

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runDone = make(chan struct{})
	go func() {
		defer close(c.runDone)
		err := srv.Run(runCtx)
		c.runErr = err
		if err != nil {
			c.send(report{err: err})
		}
		// Guarantees the queue never stays empty.
		c.send(report{err: ErrServerSilent})
	}()
	return nil
}

// reportReady sends the bound endpoint of srv, followed by a fallback in
// case the first report was lost.
func (c *MultiDeviceContext) reportReady(srv *server.Server) {
	defer c.send(report{err: fmt.Errorf("%w: post-init did not report", ErrServerSilent)})
	host, port, err := srv.HostPort()
	if err != nil {
		c.send(report{err: err})
		return
	}
	c.send(report{host: host, port: port})
}

// alive reports whether the server goroutine or process still runs.
func (c *MultiDeviceContext) alive() bool {
	if c.child != nil {
		return c.child.IsRunning()
	}
	if c.runDone == nil {
		return false
	}
	select {
	case <-c.runDone:
		return false
	default:
		return true
	}
}

// connect waits for the readiness report, then pings the admin device.
func (c *MultiDeviceContext) connect(ctx context.Context) error {
	var r report
	select {
	case r = <-c.reports:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.opts.Timeout):
		switch {
		case c.alive():
			return fmt.Errorf("%w after %s; check the server output", ErrServerStuck, c.opts.Timeout)
		case c.child != nil:
			return fmt.Errorf("%w: %v", ErrServerDied, c.child.ExitError())
		default:
			return ErrServerSilent
		}
	}
	if errors.Is(r.err, ErrServerSilent) && c.child != nil {
		// The pipe closed first; the exit status says more.
		select {
		case <-c.child.Done():
			if err := c.child.ExitError(); err != nil {
				return fmt.Errorf("%w: %v", ErrServerDied, err)
			}
		case <-time.After(c.opts.Timeout):
		}
	}
	if r.err != nil {
		return r.err
	}

	c.mu.Lock()
	c.host, c.port = r.host, r.port
	c.phase = Connected
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	admin, err := client.Dial(pctx, c.ServerAccess())
	if err != nil {
		return fmt.Errorf("connecting to admin device: %w", err)
	}
	c.mu.Lock()
	c.admin = admin
	c.mu.Unlock()
	return nil
}

// Stop kills the server through its admin device, waits for it to end
// and removes the database file if the context created it. The file is
// removed even when the kill fails.
func (c *MultiDeviceContext) Stop(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.phase == Stopped {
		c.mu.Unlock()
		return nil
	}
	c.phase = Stopped
	admin := c.admin
	proxies := c.proxies
	c.admin, c.proxies = nil, make(map[string]*client.DeviceProxy)
	c.mu.Unlock()

	var errs []error
	defer func() {
		errs = append(errs, c.deleteDatabase())
		err = errors.Join(errs...)
	}()

	for _, p := range proxies {
		p.Close() //nolint:errcheck // server is going away
	}
	if admin != nil {
		kctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		if _, kerr := admin.CommandInout(kctx, "Kill", nil); kerr != nil {
			errs = append(errs, fmt.Errorf("killing server: %w", kerr))
		}
		cancel()
		admin.Close() //nolint:errcheck // server is going away
	}
	errs = append(errs, c.join(ctx))
	return nil
}

// join waits for the server to end, forcing it after the timeout.
func (c *MultiDeviceContext) join(ctx context.Context) error {
	if c.child != nil {
		wctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		if err := c.child.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
			return c.child.Stop()
		}
		return nil
	}
	if c.runDone == nil {
		return nil
	}
	select {
	case <-c.runDone:
		return nil
	case <-time.After(c.opts.Timeout):
	}
	c.cancel()
	select {
	case <-c.runDone:
		return nil
	case <-time.After(c.opts.Timeout):
		return fmt.Errorf("%w: server did not stop", ErrServerStuck)
	}
}

// Wait blocks until the server stops on its own or ctx is done.
func (c *MultiDeviceContext) Wait(ctx context.Context) error {
	if c.child != nil {
		return c.child.Wait(ctx)
	}
	if c.runDone == nil {
		return ErrNotRunning
	}
	select {
	case <-c.runDone:
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase returns the lifecycle phase.
func (c *MultiDeviceContext) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Host returns the host the server reported.
func (c *MultiDeviceContext) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Port returns the port the server reported.
func (c *MultiDeviceContext) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// DBPath returns the database file of the context.
func (c *MultiDeviceContext) DBPath() string { return c.dbPath }

// Args returns the server argument vector.
func (c *MultiDeviceContext) Args() []string { return c.args.Argv() }

// AdminName returns the name of the admin device.
func (c *MultiDeviceContext) AdminName() string {
	return "dserver/" + c.opts.ServerName + "/" + c.opts.InstanceName
}

// ServerAccess returns the access string of the admin device.
func (c *MultiDeviceContext) ServerAccess() string {
	return c.DeviceAccess(c.AdminName())
}

// DeviceAccess returns the access string of a device.
func (c *MultiDeviceContext) DeviceAccess(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "tango://" + hostPort(c.host, c.port) + "/" + name + "#dbase=no"
}

// Device returns a proxy to the named device. Proxies are cached for the
// life of the context.
func (c *MultiDeviceContext) Device(ctx context.Context, name string) (*client.DeviceProxy, error) {
	key := strings.ToLower(name)
	c.mu.Lock()
	if c.phase != Running {
		c.mu.Unlock()
		return nil, ErrNotRunning
	}
	if p, ok := c.proxies[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := client.Dial(ctx, c.DeviceAccess(name))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.proxies[key]; ok {
		p.Close() //nolint:errcheck // lost the race
		return prev, nil
	}
	c.proxies[key] = p
	return p, nil
}
