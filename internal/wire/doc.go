// Package wire frames the messages exchanged between device servers and
// their clients.
//
// Every frame starts with a 12 byte header: the four bytes "GIOP", the
// version 1.2, a flags byte whose low bit marks a little-endian size, the
// message type and the body size. Request, Reply, Subscribe and
// Unsubscribe bodies start with a four byte request id followed by JSON.
//
// A peer that sends CloseConnection expects the connection to be closed
// without any reply, which is how endpoint probes tell a request port
// from an event port. Event ports greet every connection with
// PubSubSignature before exchanging frames.
package wire
