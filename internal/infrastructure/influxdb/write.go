package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementAttribute is the measurement archive events are written to.
const MeasurementAttribute = "device_attribute"

// WriteAttributeEvent records one attribute event.
//
// Scalars become a "value" field. Array values are summarised by
// "length" only; InfluxDB has no array field type.
// Values the sink cannot represent are dropped.
func (c *Client) WriteAttributeEvent(device, attribute, eventType, quality string, value any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	fields, ok := EventFields(value)
	if !ok {
		return
	}
	fields["quality"] = quality

	point := write.NewPoint(MeasurementAttribute,
		map[string]string{
			"device":    device,
			"attribute": attribute,
			"event":     eventType,
		},
		fields, ts)
	c.writeAPI.WritePoint(point)
}

// EventFields converts an attribute value to point fields.
func EventFields(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case bool, string, float64, float32:
		return map[string]any{"value": v}, true
	case int, int8, int16, int32, int64:
		return map[string]any{"value": v}, true
	case uint, uint8, uint16, uint32, uint64:
		return map[string]any{"value": v}, true
	case interface{ String() string }:
		return map[string]any{"value": v.String()}, true
	}
	if n, ok := sliceLen(value); ok {
		return map[string]any{"length": n}, true
	}
	return nil, false
}

func sliceLen(value any) (int, bool) {
	switch v := value.(type) {
	case []float64:
		return len(v), true
	case []int64:
		return len(v), true
	case []uint64:
		return len(v), true
	case []bool:
		return len(v), true
	case []string:
		return len(v), true
	case []any:
		return len(v), true
	case [][]float64:
		return len(v), true
	case [][]int64:
		return len(v), true
	}
	return 0, false
}
