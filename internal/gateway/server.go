package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/devicekit/internal/client"
	"github.com/nerrad567/devicekit/internal/infrastructure/config"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/server"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the gateway.
type Deps struct {
	Config  config.GatewayConfig
	Logger  *logging.Logger
	Server  *server.Server
	Version string
}

// Gateway is the HTTP front of one device server.
type Gateway struct {
	cfg       config.GatewayConfig
	logger    *logging.Logger
	srv       *server.Server
	version   string
	startTime time.Time
	hub       *Hub

	mu      sync.Mutex
	proxies map[string]*client.DeviceProxy
	http    *http.Server
	addr    net.Addr
	cancel  context.CancelFunc
}

// New creates a gateway. Nothing listens until Start.
func New(deps Deps) (*Gateway, error) {
	if deps.Server == nil {
		return nil, errors.New("device server is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	g := &Gateway{
		cfg:       deps.Config,
		logger:    deps.Logger.With("component", "gateway"),
		srv:       deps.Server,
		version:   deps.Version,
		startTime: time.Now(),
		proxies:   make(map[string]*client.DeviceProxy),
	}
	g.hub = NewHub(g, g.logger)

	clients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "devicekit",
		Subsystem:   "gateway",
		Name:        "websocket_clients",
		Help:        "WebSocket clients connected to the gateway.",
		ConstLabels: prometheus.Labels{"server": deps.Server.Name()},
	}, func() float64 { return float64(g.hub.ClientCount()) })
	if err := deps.Server.Registry().Register(clients); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("registering gateway metrics: %w", err)
		}
	}
	return g, nil
}

// Handler returns the router. Start serves the same handler.
func (g *Gateway) Handler() http.Handler {
	return g.buildRouter()
}

// Start listens on the configured host and port and serves in the
// background until Close.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port)))
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	var hubCtx context.Context
	g.mu.Lock()
	hubCtx, g.cancel = context.WithCancel(ctx)
	g.addr = ln.Addr()
	g.http = &http.Server{
		Handler:           g.buildRouter(),
		ReadTimeout:       g.cfg.GetReadTimeout(),
		ReadHeaderTimeout: g.cfg.GetReadTimeout(),
		WriteTimeout:      g.cfg.GetWriteTimeout(),
	}
	hs := g.http
	g.mu.Unlock()

	go g.hub.Run(hubCtx)
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Close shuts the listener down, disconnects WebSocket clients and closes
// the device proxies.
func (g *Gateway) Close() error {
	g.mu.Lock()
	hs, cancel := g.http, g.cancel
	proxies := g.proxies
	g.proxies = make(map[string]*client.DeviceProxy)
	g.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	} else {
		g.hub.closeAll()
	}
	if hs != nil {
		ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer done()
		g.logger.Info("gateway shutting down")
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down gateway: %w", err))
		}
	}
	for _, p := range proxies {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// proxy returns a cached proxy to a device of the server, dialing on
// first use.
func (g *Gateway) proxy(ctx context.Context, name string) (*client.DeviceProxy, error) {
	key := strings.ToLower(name)
	g.mu.Lock()
	p, ok := g.proxies[key]
	g.mu.Unlock()
	if ok {
		return p, nil
	}

	host, port, err := g.srv.HostPort()
	if err != nil {
		return nil, fmt.Errorf("gateway: server endpoint: %w", err)
	}
	p, err = client.New(ctx, net.JoinHostPort(host, strconv.Itoa(port)), name)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.proxies[key]; ok {
		p.Close() //nolint:errcheck // lost the race
		return existing, nil
	}
	g.proxies[key] = p
	return p, nil
}
