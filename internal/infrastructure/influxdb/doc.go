// Package influxdb archives device attribute events in InfluxDB v2.
//
// A device server with the sink enabled forwards every archive event (and
// change events when configured) as points of the device_attribute
// measurement tagged by device, attribute and event type. Writes are
// batched and never block the dispatch path.
package influxdb
