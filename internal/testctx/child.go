package testctx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/infrastructure/config"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/process"
	"github.com/nerrad567/devicekit/internal/server"
	"github.com/nerrad567/devicekit/internal/worker"
)

// Environment of a child server process.
const (
	envChild     = "DEVICEKIT_CHILD"
	envClasses   = "DEVICEKIT_CLASSES"
	envReportFD  = "DEVICEKIT_REPORT_FD"
	envGreenMode = "DEVICEKIT_GREEN_MODE"

	reportFD = 3

	// flushDelay gives the report pipe time to drain before the child
	// exits.
	flushDelay = 100 * time.Millisecond
)

// childReport is one JSON line on the report pipe.
type childReport struct {
	Host  string `json:"host,omitempty"`
	Port  int    `json:"port,omitempty"`
	Error string `json:"error,omitempty"`
}

func (c *MultiDeviceContext) startProcess(context.Context) error {
	exe := c.opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating report pipe: %w", err)
	}

	names := make([]string, len(c.classes))
	for i, cl := range c.classes {
		names[i] = cl.Name()
	}
	env := []string{
		envChild + "=1",
		envClasses + "=" + strings.Join(names, ","),
		envReportFD + "=" + strconv.Itoa(reportFD),
	}
	if c.opts.GreenMode != nil {
		env = append(env, envGreenMode+"="+c.opts.GreenMode.String())
	}

	m := process.NewManager(process.Config{
		Name:            "devicekit-" + c.opts.ServerName,
		Binary:          exe,
		Args:            c.args.Argv(),
		Env:             env,
		ExtraFiles:      []*os.File{w},
		GracefulTimeout: c.opts.Timeout,
	})
	m.SetLogger(c.log)
	// The child outlives the start call; Stop ends it.
	if err := m.Start(context.Background()); err != nil {
		r.Close() //nolint:errcheck // already failing
		w.Close() //nolint:errcheck // already failing
		return err
	}
	w.Close() //nolint:errcheck // the child holds its own copy
	c.child = m
	go c.readReports(r)
	return nil
}

// readReports forwards the reports of the child to the readiness queue.
// End of file enqueues the fallback.
func (c *MultiDeviceContext) readReports(r io.ReadCloser) {
	defer r.Close() //nolint:errcheck // read side
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var cr childReport
		if err := json.Unmarshal(sc.Bytes(), &cr); err != nil {
			c.send(report{err: fmt.Errorf("testctx: malformed report %q: %w", sc.Text(), err)})
			continue
		}
		if cr.Error != "" {
			c.send(report{err: errors.New(cr.Error)})
			continue
		}
		c.send(report{host: cr.Host, port: cr.Port})
	}
	c.send(report{err: ErrServerSilent})
}

// reporter writes child reports; it is shared by the post-init hook and
// the exit path.
type reporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (r *reporter) write(cr childReport) {
	if r == nil || r.enc == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enc.Encode(cr) //nolint:errcheck // parent may be gone
}

// RunChildIfRequested runs the device server and exits when the process
// was started by a context in process mode. Otherwise it returns at
// once. Call it first thing in main or TestMain, after the device classes
// are registered with device.Register.
func RunChildIfRequested() {
	if os.Getenv(envChild) != "1" {
		return
	}
	os.Exit(runChild(os.Args[1:]))
}

func runChild(argv []string) int {
	var rep *reporter
	if fd, err := strconv.Atoi(os.Getenv(envReportFD)); err == nil {
		if f := os.NewFile(uintptr(fd), "report"); f != nil {
			rep = &reporter{enc: json.NewEncoder(f)}
			defer f.Close() //nolint:errcheck // write side
		}
	}
	defer func() {
		rep.write(childReport{Error: ErrServerSilent.Error()})
		time.Sleep(flushDelay)
	}()

	fail := func(err error) int {
		rep.write(childReport{Error: err.Error()})
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	args, err := server.ParseArgs(argv)
	if err != nil {
		return fail(err)
	}
	var classes []*device.Class
	for _, name := range strings.Split(os.Getenv(envClasses), ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		cl, err := device.Lookup(name)
		if err != nil {
			return fail(err)
		}
		classes = append(classes, cl)
	}
	var mode *worker.Mode
	if s := os.Getenv(envGreenMode); s != "" {
		m, err := worker.ParseMode(s)
		if err != nil {
			return fail(err)
		}
		mode = &m
	}

	verbosity := args.Verbosity
	if verbosity < 0 {
		verbosity = defaultDebug
	}
	log := logging.New(logging.ForVerbosity(config.LoggingConfig{Format: "text", Output: "stderr"}, verbosity), "child")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	srv, err := server.New(server.Options{
		Args:      args,
		Classes:   classes,
		GreenMode: mode,
		Logger:    log,
		PostInit: func(_ context.Context, s *server.Server) error {
			host, port, err := s.HostPort()
			if err != nil {
				rep.write(childReport{Error: err.Error()})
				return nil
			}
			rep.write(childReport{Host: host, Port: port})
			return nil
		},
	})
	if err != nil {
		return fail(err)
	}
	if err := srv.Run(ctx); err != nil {
		return fail(err)
	}
	return 0
}
