package device

import (
	"reflect"
	"sync"
	"time"
)

// Attr is the per-device runtime state of one attribute. Read bindings
// that take an *Attr publish their value with SetValue; write bindings
// that take one get the new value from WriteValue.
type Attr struct {
	desc *attrDesc

	mu       sync.Mutex
	value    any
	quality  Quality
	ts       time.Time
	valueSet bool
	wvalue   any

	events map[EventType]*eventConfig
}

type eventConfig struct {
	implemented bool
	detect      bool
	last        any
	pushed      bool
}

func newAttr(d *attrDesc) *Attr {
	a := &Attr{desc: d, quality: Valid, events: make(map[EventType]*eventConfig)}
	if d.defaultValue != nil {
		a.value = d.defaultValue
		a.ts = time.Now()
		if d.access.Writable() {
			a.wvalue = d.defaultValue
		}
	}
	return a
}

// Name returns the attribute name.
func (a *Attr) Name() string { return a.desc.name }

// DataType returns the element type.
func (a *Attr) DataType() DataType { return a.desc.info.dtype }

// DataFormat returns the shape.
func (a *Attr) DataFormat() DataFormat { return a.desc.info.format }

// SetValue stores the read value with quality VALID and the current time.
func (a *Attr) SetValue(v any) error {
	return a.SetValueDateQuality(v, time.Now(), Valid)
}

// SetValueDateQuality stores the read value with an explicit timestamp and
// quality. A nil value is only accepted with quality INVALID.
func (a *Attr) SetValueDateQuality(v any, ts time.Time, q Quality) error {
	var cv any
	if v != nil || q != Invalid {
		var err error
		cv, err = Coerce(v, a.desc.info.dtype, a.desc.info.format)
		if err != nil {
			return Failedf(ReasonIncompatibleArg, "Attr.SetValue", "attribute %s: %v", a.desc.name, err)
		}
	}
	a.mu.Lock()
	a.value = cv
	a.ts = ts
	a.quality = q
	a.valueSet = true
	a.mu.Unlock()
	return nil
}

// SetQuality changes the quality of the current value.
func (a *Attr) SetQuality(q Quality) {
	a.mu.Lock()
	a.quality = q
	a.mu.Unlock()
}

// ValueSet reports whether SetValue was called during the current read.
func (a *Attr) ValueSet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valueSet
}

// Value returns the last read value.
func (a *Attr) Value() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// WriteValue returns the last written value, in canonical form.
func (a *Attr) WriteValue() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wvalue
}

func (a *Attr) beginRead() {
	a.mu.Lock()
	a.valueSet = false
	a.mu.Unlock()
}

func (a *Attr) setWriteValue(v any) {
	a.mu.Lock()
	a.wvalue = v
	a.mu.Unlock()
}

// snapshot builds the value returned to clients.
func (a *Attr) snapshot() AttrValue {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.desc
	v := a.value
	ts := a.ts
	if d.access == Write {
		v = a.wvalue
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	x, y := dims(v, d.info.format)
	av := AttrValue{
		Name:    d.name,
		Value:   v,
		Quality: a.quality,
		Time:    ts,
		Type:    d.info.dtype,
		Format:  d.info.format,
		DimX:    x,
		DimY:    y,
	}
	if d.access.Writable() {
		av.WValue = a.wvalue
	}
	return av
}

func (a *Attr) eventConfig(t EventType) *eventConfig {
	cfg, ok := a.events[t]
	if !ok {
		cfg = &eventConfig{}
		a.events[t] = cfg
	}
	return cfg
}

// shouldPush applies change detection for t and records v as pushed.
func (a *Attr) shouldPush(t EventType, v any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.eventConfig(t)
	if cfg.detect && cfg.pushed && !a.changed(t, cfg.last, v) {
		return false
	}
	cfg.last = v
	cfg.pushed = true
	return true
}

// changed compares with the absolute threshold of t when one is set,
// else by equality.
func (a *Attr) changed(t EventType, prev, next any) bool {
	threshold := a.desc.decl.AbsChange
	if t == ArchiveEvent {
		threshold = a.desc.decl.ArchiveAbsChange
	}
	p, pok := prev.(float64)
	n, nok := toFloatScalar(next)
	if threshold != "" && pok && nok {
		limit, err := parseFloat(threshold)
		if err == nil {
			d := n - p
			if d < 0 {
				d = -d
			}
			return d >= limit
		}
	}
	return !reflect.DeepEqual(prev, next)
}

func toFloatScalar(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// AttrValue is the result of reading an attribute.
type AttrValue struct {
	Name    string     `json:"name"`
	Value   any        `json:"value"`
	WValue  any        `json:"w_value,omitempty"`
	Quality Quality    `json:"quality"`
	Time    time.Time  `json:"time"`
	Type    DataType   `json:"type"`
	Format  DataFormat `json:"format"`
	DimX    int        `json:"dim_x"`
	DimY    int        `json:"dim_y"`
	// Err is set for entries of a multi-attribute read that failed.
	Err *DevFailed `json:"error,omitempty"`
}

// Normalize coerces Value and WValue to the canonical form of Type and
// Format, e.g. after JSON decoding.
func (v *AttrValue) Normalize() error {
	if v.Err != nil {
		return nil
	}
	if v.Value != nil || v.Format != Scalar {
		cv, err := Coerce(v.Value, v.Type, v.Format)
		if err != nil {
			return err
		}
		v.Value = cv
	}
	if v.WValue != nil {
		cv, err := Coerce(v.WValue, v.Type, v.Format)
		if err != nil {
			return err
		}
		v.WValue = cv
	}
	return nil
}
