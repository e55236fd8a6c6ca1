package device

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type testMode int

func (testMode) EnumLabels() []string { return []string{"IDLE", "BUSY"} }

// psu is the device type most tests run against.
type psu struct {
	Base

	voltage      float64
	current      float64
	samples      []int32
	image        [][]float32
	mode         testMode
	allowVoltage bool
	pipeLocked   bool
	info         Blob

	inits, deletes, always int
	hardware               [][]string
}

func (p *psu) ReadVoltage(ctx context.Context) (float64, error) { return p.voltage, nil }

func (p *psu) WriteVoltage(v float64) error {
	p.voltage = v
	return nil
}

func (p *psu) IsVoltageAllowed(req RequestType) bool {
	return req == ReadRequest || p.allowVoltage
}

func (p *psu) ReadCurrent(attr *Attr) {
	_ = attr.SetValue(p.current)
}

func (p *psu) ReadSamples() []int32 { return p.samples }

func (p *psu) WriteSamples(v []int32) { p.samples = v }

func (p *psu) ReadImage() [][]float32 { return p.image }

func (p *psu) ReadMode() testMode { return p.mode }

func (p *psu) WriteMode(m testMode) { p.mode = m }

func (p *psu) Calibrate(ctx context.Context, gain float64) (float64, error) {
	if gain <= 0 {
		return 0, errors.New("gain must be positive")
	}
	return p.voltage * gain, nil
}

func (p *psu) Reset() { p.voltage = 0 }

func (p *psu) IsResetAllowed() bool { return p.GetState() != Fault }

func (p *psu) ReadInfo() Blob { return p.info }

func (p *psu) WriteInfo(b Blob) { p.info = b }

func (p *psu) IsInfoAllowed() bool { return !p.pipeLocked }

func (p *psu) InitDevice(ctx context.Context) error {
	p.inits++
	p.SetState(On)
	return nil
}

func (p *psu) DeleteDevice(ctx context.Context) error {
	p.deletes++
	return nil
}

func (p *psu) AlwaysExecutedHook(ctx context.Context) error {
	p.always++
	return nil
}

func (p *psu) ReadAttrHardware(ctx context.Context, names []string) error {
	p.hardware = append(p.hardware, names)
	return nil
}

var psuSpec = ClassSpec{
	Name: "PSU",
	Attributes: []Attribute{
		{Name: "voltage", Unit: "V", MaxValue: "100", Memorized: true},
		{Name: "current"},
		{Name: "samples", MaxDimX: 4},
		{Name: "image"},
		{Name: "mode"},
	},
	Commands: []Command{
		{Name: "Calibrate"},
		{Name: "Reset"},
	},
	Pipes: []Pipe{
		{Name: "info", Access: PipeReadWrite},
	},
	DeviceProperties: []DeviceProperty{
		{Name: "Port", Dtype: Long, Default: 1},
	},
}

func definePSU(t *testing.T) *Class {
	t.Helper()
	c, err := Define[*psu](psuSpec)
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	return c
}

// newPSU creates and initialises a psu device.
func newPSU(t *testing.T, c *Class, env Env) *psu {
	t.Helper()
	dev, err := c.NewDevice("test/psu/1", env)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	if err := dev.DeviceBase().Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return dev.(*psu)
}

// bare has no methods of its own.
type bare struct {
	Base
}

func wantReason(t *testing.T, err error, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", reason)
	}
	if got := ReasonOf(err); got != reason {
		t.Errorf("reason = %q, want %q (error: %v)", got, reason, err)
	}
}

// memStore is an in-memory Store.
type memStore struct {
	mu    sync.Mutex
	dev   map[string]map[string][]string
	class map[string]map[string][]string
	attr  map[string]map[string]map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		dev:   make(map[string]map[string][]string),
		class: make(map[string]map[string][]string),
		attr:  make(map[string]map[string]map[string][]string),
	}
}

func pick(m map[string][]string, names []string) map[string][]string {
	out := make(map[string][]string)
	for _, n := range names {
		if v, ok := m[n]; ok {
			out[n] = v
		}
	}
	return out
}

func (s *memStore) GetDeviceProperty(_ context.Context, device string, names ...string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pick(s.dev[device], names), nil
}

func (s *memStore) PutDeviceProperty(_ context.Context, device string, props map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev[device] == nil {
		s.dev[device] = make(map[string][]string)
	}
	for k, v := range props {
		s.dev[device][k] = v
	}
	return nil
}

func (s *memStore) DeleteDeviceProperty(_ context.Context, device string, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.dev[device], n)
	}
	return nil
}

func (s *memStore) GetClassProperty(_ context.Context, class string, names ...string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pick(s.class[class], names), nil
}

func (s *memStore) GetDeviceAttributeProperty(_ context.Context, device, attribute string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string)
	for k, v := range s.attr[device][attribute] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) PutDeviceAttributeProperty(_ context.Context, device string, props map[string]map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attr[device] == nil {
		s.attr[device] = make(map[string]map[string][]string)
	}
	for attr, p := range props {
		if s.attr[device][attr] == nil {
			s.attr[device][attr] = make(map[string][]string)
		}
		for k, v := range p {
			s.attr[device][attr][k] = v
		}
	}
	return nil
}

// recordingSink keeps published events and detached attributes.
type recordingSink struct {
	mu       sync.Mutex
	events   []Event
	detached []string
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) Detach(device, attribute string) {
	r.mu.Lock()
	r.detached = append(r.detached, device+"/"+attribute)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingSink) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}
