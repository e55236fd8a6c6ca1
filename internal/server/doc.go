// Package server runs a device server: it creates the devices the
// configuration database lists for "<server>/<instance>", serves client
// requests on a GIOP-framed port and pushes attribute events on a second,
// publish/subscribe port.
//
// The lifecycle follows the other long-running components:
//
//	args, err := server.ParseArgs(os.Args[1:])
//	srv, err := server.New(server.Options{Args: args, Classes: []*device.Class{PowerSupplyClass}})
//	err = srv.Run(ctx) // returns after Kill or when ctx is done
//
// Every server exports an admin device, dserver/<server>/<instance>,
// whose Kill command stops it. Events can be mirrored to MQTT and archive
// events written to InfluxDB; remote writes arrive on the MQTT write
// topics.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package server
