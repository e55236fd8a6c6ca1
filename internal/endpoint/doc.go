// Package endpoint finds where a running device server listens.
//
// A server advertises itself through an IOR, a hex encoded record holding
// the host and port of its request endpoint. ParseIOR decodes one and
// EncodeIOR builds one.
//
// When only the process id is known, ServerPortViaPID lists the TCP ports
// the process listens on and probes each of them. Event ports greet new
// connections with the publish/subscribe signature; request ports stay
// silent and close the connection when sent a CloseConnection frame.
package endpoint
