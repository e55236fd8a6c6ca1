package gateway

import (
	"net/http"
	"runtime"
	"time"
)

// StatusReport is the body of GET /status.
type StatusReport struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Server        ServerStatus   `json:"server"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
}

// ServerStatus describes the device server behind the gateway.
type ServerStatus struct {
	Name          string   `json:"name"`
	Admin         string   `json:"admin"`
	GreenMode     string   `json:"green_mode"`
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"`
	EventPort     int      `json:"event_port"`
	Classes       []string `json:"classes"`
	Devices       int      `json:"devices"`
	Subscriptions int      `json:"subscriptions"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
	Subscriptions    int `json:"subscriptions"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	srv := ServerStatus{
		Name:          g.srv.Name(),
		Admin:         g.srv.AdminName(),
		GreenMode:     g.srv.GreenMode().String(),
		EventPort:     g.srv.EventPort(),
		Classes:       g.srv.ClassNames(),
		Devices:       len(g.srv.Devices()),
		Subscriptions: g.srv.Subscriptions(),
	}
	if host, port, err := g.srv.HostPort(); err == nil {
		srv.Host, srv.Port = host, port
	}

	writeJSON(w, http.StatusOK, StatusReport{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       g.version,
		UptimeSeconds: int64(time.Since(g.startTime).Seconds()),
		Server:        srv,
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: g.hub.ClientCount(),
			Subscriptions:    g.hub.SubscriptionCount(),
		},
	})
}
