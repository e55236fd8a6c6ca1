// Package gateway exposes the devices of a running device server over
// HTTP and WebSocket.
//
// Requests are forwarded through the server's own wire endpoint, so they
// run through the same worker and checks as remote clients:
//
//	gw, err := gateway.New(gateway.Deps{Config: cfg.Gateway, Logger: log, Server: srv})
//	gw.Start(ctx)
//	defer gw.Close()
//
// Routes:
//
//	GET  /health
//	GET  /status
//	GET  /metrics
//	GET  /devices
//	GET  /devices/{domain}/{family}/{member}
//	GET  /devices/{domain}/{family}/{member}/attributes/{attr}
//	PUT  /devices/{domain}/{family}/{member}/attributes/{attr}
//	POST /devices/{domain}/{family}/{member}/commands/{cmd}
//	GET  /devices/{domain}/{family}/{member}/pipes/{pipe}
//	GET  /ws
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package gateway
