// Package client is the client side of the device server protocol.
//
// A DeviceProxy holds one request connection to a server and multiplexes
// concurrent calls over it. Event subscriptions open a second connection
// to the event port of the server on first use:
//
//	p, err := client.Dial(ctx, "tango://127.0.0.1:10000/test/psu/1#dbase=no")
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//	v, err := p.ReadAttribute(ctx, "voltage")
package client
