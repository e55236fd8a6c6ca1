// Package mqtt connects a device server to an MQTT broker.
//
// The server uses it two ways: pushed change and archive events are
// mirrored to devicekit/event/<device>/<attribute>/<type>, and JSON values
// published on devicekit/write/<device>/<attribute> are applied as
// attribute writes. Each server instance keeps a retained status message
// with a Last Will so consumers notice crashes.
//
// Tests that need a broker expect Mosquitto on 127.0.0.1:1883 and skip
// when it is not reachable.
package mqtt
