// Package testctx runs device servers for tests without a persistent
// configuration database.
//
// A context writes a throwaway database file declaring the requested
// devices, starts the server in a goroutine or in a child process, and
// waits for the server to report the endpoint it bound:
//
//	dc, err := testctx.NewDeviceContext(powerSupplyClass, testctx.DeviceConfig{}, testctx.Options{Host: "127.0.0.1"})
//	if err != nil {
//		t.Fatal(err)
//	}
//	if err := dc.Start(ctx); err != nil {
//		t.Fatal(err)
//	}
//	defer dc.Stop(ctx)
//	p, _ := dc.Proxy(ctx)
//	p.WriteAttribute(ctx, "voltage", 48.0)
//
// Readiness is a queue of reports. The server side always enqueues a
// fallback failure after its real report so the waiting side never
// blocks past its timeout. In process mode the running binary is
// re-executed with DEVICEKIT_CHILD=1 and reports JSON lines on fd 3; the
// binary must call RunChildIfRequested before anything else.
package testctx
