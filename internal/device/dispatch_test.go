package device

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nerrad567/devicekit/internal/worker"
)

func TestWriteRead_RoundTrip(t *testing.T) {
	c := definePSU(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		attr  string
		write any
		want  any
		dimX  int
	}{
		{"double", "voltage", 12.5, 12.5, 1},
		{"double from int", "voltage", 7, 7.0, 1},
		{"spectrum", "samples", []int{1, 2, 3}, []int64{1, 2, 3}, 3},
		{"decoded json spectrum", "samples", []any{1.0, 2.0}, []int64{1, 2}, 2},
		{"empty spectrum", "samples", []int32{}, []int64{}, 0},
		{"enum", "mode", 1, int64(1), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPSU(t, c, Env{})
			p.allowVoltage = true
			if err := p.WriteAttribute(ctx, tt.attr, tt.write); err != nil {
				t.Fatalf("WriteAttribute(%v) error = %v", tt.write, err)
			}
			v, err := p.ReadAttribute(ctx, tt.attr)
			if err != nil {
				t.Fatalf("ReadAttribute() error = %v", err)
			}
			if !reflect.DeepEqual(v.Value, tt.want) {
				t.Errorf("Value = %#v, want %#v", v.Value, tt.want)
			}
			if !reflect.DeepEqual(v.WValue, tt.want) {
				t.Errorf("WValue = %#v, want %#v", v.WValue, tt.want)
			}
			if v.DimX != tt.dimX {
				t.Errorf("DimX = %d, want %d", v.DimX, tt.dimX)
			}
			if v.Quality != Valid {
				t.Errorf("Quality = %v, want VALID", v.Quality)
			}
		})
	}
}

func TestReadAttribute_EmptyImage(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})
	ctx := context.Background()

	v, err := p.ReadAttribute(ctx, "image")
	if err != nil {
		t.Fatalf("ReadAttribute(image) error = %v", err)
	}
	if !reflect.DeepEqual(v.Value, [][]float64{}) || v.DimX != 0 || v.DimY != 0 {
		t.Errorf("empty image = %#v (%dx%d), want [][]float64{} 0x0", v.Value, v.DimX, v.DimY)
	}

	p.image = [][]float32{{1, 2, 3}, {4, 5, 6}}
	v, err = p.ReadAttribute(ctx, "image")
	if err != nil {
		t.Fatalf("ReadAttribute(image) error = %v", err)
	}
	if v.DimX != 3 || v.DimY != 2 {
		t.Errorf("image dims = %dx%d, want 3x2", v.DimX, v.DimY)
	}
}

func TestReadAttribute_SetValueWins(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})
	p.current = 0.25

	v, err := p.ReadAttribute(context.Background(), "current")
	if err != nil {
		t.Fatalf("ReadAttribute(current) error = %v", err)
	}
	if v.Value != 0.25 {
		t.Errorf("current = %v, want 0.25", v.Value)
	}
	if v.WValue != nil {
		t.Errorf("read-only attribute has WValue %v", v.WValue)
	}
}

func TestReadAttributes_PerAttributeErrors(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})

	vals, err := p.ReadAttributes(context.Background(), "voltage", "nope", "State")
	if err != nil {
		t.Fatalf("ReadAttributes() error = %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("len(ReadAttributes()) = %d, want 3", len(vals))
	}
	if vals[0].Err != nil {
		t.Errorf("voltage error = %v", vals[0].Err)
	}
	if vals[1].Err == nil || vals[1].Err.Reason() != ReasonAttrNotFound {
		t.Errorf("nope error = %v, want %s", vals[1].Err, ReasonAttrNotFound)
	}
	if vals[2].Value != On {
		t.Errorf("State = %v, want ON", vals[2].Value)
	}
}

func TestWriteAttribute_Rejections(t *testing.T) {
	c := definePSU(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		attr   string
		value  any
		reason string
	}{
		{"above max_value", "voltage", 150.0, ReasonWAttrOutsideLimit},
		{"spectrum too long", "samples", []int{1, 2, 3, 4, 5}, ReasonWAttrOutsideLimit},
		{"enum out of range", "mode", 5, ReasonWAttrOutsideLimit},
		{"element out of range", "samples", []int64{1 << 40}, ReasonIncompatibleArg},
		{"wrong type", "voltage", "high", ReasonIncompatibleArg},
		{"read only", "current", 1.0, ReasonAttrNotWritable},
		{"unknown", "nope", 1.0, ReasonAttrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPSU(t, c, Env{})
			p.allowVoltage = true
			wantReason(t, p.WriteAttribute(ctx, tt.attr, tt.value), tt.reason)
		})
	}
}

func TestIsAllowed_Gates(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})
	ctx := context.Background()

	err := p.WriteAttribute(ctx, "voltage", 5.0)
	wantReason(t, err, ReasonAttrNotAllowed)
	if !strings.Contains(err.Error(), "voltage") {
		t.Errorf("error %q does not name the attribute", err)
	}
	if _, err := p.ReadAttribute(ctx, "voltage"); err != nil {
		t.Errorf("read while writes are gated: %v", err)
	}
	p.allowVoltage = true
	if err := p.WriteAttribute(ctx, "voltage", 5.0); err != nil {
		t.Errorf("WriteAttribute() after allowing error = %v", err)
	}

	p.SetState(Fault)
	_, err = p.CommandInout(ctx, "Reset", nil)
	wantReason(t, err, ReasonCommandNotAllowed)
	if !strings.Contains(err.Error(), "FAULT") {
		t.Errorf("error %q does not name the state", err)
	}
	p.SetState(On)
	if _, err := p.CommandInout(ctx, "Reset", nil); err != nil {
		t.Errorf("Reset in ON error = %v", err)
	}
	if p.voltage != 0 {
		t.Errorf("voltage after Reset = %v, want 0", p.voltage)
	}

	p.pipeLocked = true
	_, err = p.ReadPipe(ctx, "info")
	wantReason(t, err, ReasonPipeNotAllowed)
	wantReason(t, p.WritePipe(ctx, "info", Blob{}), ReasonPipeNotAllowed)
	p.pipeLocked = false
	if _, err := p.ReadPipe(ctx, "info"); err != nil {
		t.Errorf("ReadPipe() after unlocking error = %v", err)
	}
}

func TestCommandInout(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})
	p.voltage = 3
	ctx := context.Background()

	out, err := p.CommandInout(ctx, "Calibrate", 2)
	if err != nil {
		t.Fatalf("Calibrate error = %v", err)
	}
	if out != 6.0 {
		t.Errorf("Calibrate(2) = %v, want 6", out)
	}

	_, err = p.CommandInout(ctx, "Calibrate", -1)
	wantReason(t, err, ReasonDeviceMethodFailed)
	if !strings.Contains(err.Error(), "gain must be positive") {
		t.Errorf("error %q lost the method's message", err)
	}

	_, err = p.CommandInout(ctx, "Calibrate", "x")
	wantReason(t, err, ReasonIncompatibleArg)

	out, err = p.CommandInout(ctx, "Reset", "ignored")
	if err != nil || out != nil {
		t.Errorf("Reset = %v, %v, want nil, nil", out, err)
	}

	_, err = p.CommandInout(ctx, "Explode", nil)
	wantReason(t, err, ReasonCommandNotFound)

	state, err := p.CommandInout(ctx, "State", nil)
	if err != nil || state != On {
		t.Errorf("State = %v, %v, want ON", state, err)
	}
	status, _ := p.CommandInout(ctx, "status", nil)
	if status != "The device is in ON state." {
		t.Errorf("Status = %q", status)
	}
	p.SetStatus("Ramping")
	if s, _ := p.Status(ctx); s != "Ramping" {
		t.Errorf("Status() = %q, want Ramping", s)
	}
}

func TestDeviceMethodFailed_KeepsCause(t *testing.T) {
	boom := errors.New("hardware unplugged")
	c, err := Define[*bare](ClassSpec{Commands: []Command{
		{Name: "Fail", Fn: func(b *bare) error { return boom }},
	}})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	dev, _ := c.NewDevice("test/bare/fail", Env{})
	_, err = dev.DeviceBase().CommandInout(context.Background(), "Fail", nil)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want it to wrap the method error", err)
	}
	var df *DevFailed
	if !errors.As(err, &df) || !strings.Contains(df.Errors[0].Origin, "*errors.errorString") {
		t.Errorf("origin = %+v, want the Go error type", df)
	}
}

func TestPipes(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})
	ctx := context.Background()

	in := Blob{Name: "info", Elements: []BlobElement{{Name: "model", Value: "PS-1"}, {Name: "channels", Value: int64(2)}}}
	if err := p.WritePipe(ctx, "info", in); err != nil {
		t.Fatalf("WritePipe() error = %v", err)
	}
	out, err := p.ReadPipe(ctx, "info")
	if err != nil {
		t.Fatalf("ReadPipe() error = %v", err)
	}
	if model, _ := out.Get("model"); model != "PS-1" {
		t.Errorf("model = %v, want PS-1", model)
	}
	if got := out.Map()["channels"]; got != int64(2) {
		t.Errorf("channels = %v, want 2", got)
	}
	_, err = p.ReadPipe(ctx, "nope")
	wantReason(t, err, ReasonPipeNotFound)
}

func TestHooks(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})
	ctx := context.Background()

	if p.inits != 1 || p.GetState() != On {
		t.Fatalf("after Init: inits = %d, state = %v", p.inits, p.GetState())
	}
	if _, err := p.ReadAttributes(ctx, "voltage", "current"); err != nil {
		t.Fatalf("ReadAttributes() error = %v", err)
	}
	if p.always != 1 {
		t.Errorf("AlwaysExecutedHook ran %d times, want 1", p.always)
	}
	if want := [][]string{{"voltage", "current"}}; !reflect.DeepEqual(p.hardware, want) {
		t.Errorf("ReadAttrHardware calls = %v, want %v", p.hardware, want)
	}

	if _, err := p.ReadAttribute(ctx, "State"); err != nil {
		t.Fatalf("ReadAttribute(State) error = %v", err)
	}
	if len(p.hardware) != 1 {
		t.Errorf("ReadAttrHardware ran for State only: %v", p.hardware)
	}

	if _, err := p.CommandInout(ctx, "Init", nil); err != nil {
		t.Fatalf("Init command error = %v", err)
	}
	if p.deletes != 1 || p.inits != 2 {
		t.Errorf("Init command: deletes = %d, inits = %d, want 1 and 2", p.deletes, p.inits)
	}
}

func TestDelete_RejectsDispatch(t *testing.T) {
	c := definePSU(t)
	sink := &recordingSink{}
	p := newPSU(t, c, Env{Events: sink})
	ctx := context.Background()

	if err := p.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if p.deletes != 1 {
		t.Errorf("DeleteDevice ran %d times, want 1", p.deletes)
	}
	if len(sink.detached) != len(c.AttributeNames()) {
		t.Errorf("detached %v, want every attribute", sink.detached)
	}
	if _, err := p.ReadAttribute(ctx, "voltage"); !errors.Is(err, ErrDeleted) {
		t.Errorf("ReadAttribute() after Delete error = %v, want ErrDeleted", err)
	}
	if _, err := p.CommandInout(ctx, "Reset", nil); !errors.Is(err, ErrDeleted) {
		t.Errorf("CommandInout() after Delete error = %v, want ErrDeleted", err)
	}
}

func TestDispatch_ThroughWorker(t *testing.T) {
	for _, mode := range []worker.Mode{worker.Synchronous, worker.Futures, worker.Asyncio, worker.Gevent} {
		t.Run(mode.String(), func(t *testing.T) {
			w, err := worker.New(mode)
			if err != nil {
				t.Fatalf("worker.New() error = %v", err)
			}
			defer w.Close() //nolint:errcheck // test cleanup

			c := definePSU(t)
			p := newPSU(t, c, Env{Worker: w})
			p.allowVoltage = true
			ctx := context.Background()

			if err := p.WriteAttribute(ctx, "voltage", 9.5); err != nil {
				t.Fatalf("WriteAttribute() error = %v", err)
			}
			v, err := p.ReadAttribute(ctx, "voltage")
			if err != nil {
				t.Fatalf("ReadAttribute() error = %v", err)
			}
			if v.Value != 9.5 {
				t.Errorf("voltage = %v, want 9.5", v.Value)
			}
			out, err := p.CommandInout(ctx, "Calibrate", 2.0)
			if err != nil || out != 19.0 {
				t.Errorf("Calibrate = %v, %v, want 19", out, err)
			}
		})
	}
}

func TestProperties(t *testing.T) {
	c := definePSU(t)
	ctx := context.Background()

	p := newPSU(t, c, Env{})
	port, err := PropertyAs[int](p, "Port")
	if err != nil || port != 1 {
		t.Errorf("Port = %v, %v, want default 1", port, err)
	}

	store := newMemStore()
	_ = store.PutDeviceProperty(ctx, "test/psu/1", map[string][]string{"Port": {"5000"}})
	p = newPSU(t, c, Env{Store: store})
	if port, _ := PropertyAs[int](p, "port"); port != 5000 {
		t.Errorf("Port = %v, want 5000 from the store", port)
	}

	strict, err := Define[*bare](ClassSpec{DeviceProperties: []DeviceProperty{{Name: "Host", Mandatory: true}}})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	dev, _ := strict.NewDevice("test/bare/strict", Env{Store: newMemStore()})
	wantReason(t, dev.DeviceBase().Init(ctx), ReasonMandatoryProperty)
}

// setpoint is memorized and written back to hardware at init.
type setpoint struct {
	Base
	value  float64
	writes int
}

func (s *setpoint) ReadLevel() float64 { return s.value }

func (s *setpoint) WriteLevel(v float64) {
	s.value = v
	s.writes++
}

func TestMemorized(t *testing.T) {
	c, err := Define[*setpoint](ClassSpec{Attributes: []Attribute{{Name: "level", Memorized: true, HwMemorized: true}}})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	store := newMemStore()
	ctx := context.Background()

	first, _ := c.NewDevice("test/sp/1", Env{Store: store})
	if err := first.DeviceBase().Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := first.DeviceBase().WriteAttribute(ctx, "level", 3.5); err != nil {
		t.Fatalf("WriteAttribute() error = %v", err)
	}
	got := store.attr["test/sp/1"]["level"][MemorizedProperty]
	if !reflect.DeepEqual(got, []string{"3.5"}) {
		t.Fatalf("memorized value = %v, want [3.5]", got)
	}

	second, _ := c.NewDevice("test/sp/1", Env{Store: store})
	if err := second.DeviceBase().Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	sp := second.(*setpoint)
	if sp.value != 3.5 || sp.writes != 1 {
		t.Errorf("after restart value = %v after %d writes, want 3.5 after 1", sp.value, sp.writes)
	}
	a, _ := sp.Attribute("level")
	if a.WriteValue() != 3.5 {
		t.Errorf("WriteValue() = %v, want 3.5", a.WriteValue())
	}
}

func TestLists(t *testing.T) {
	c := definePSU(t)
	p := newPSU(t, c, Env{})

	if got, want := p.AttributeNames(), c.AttributeNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("AttributeNames() = %v, want %v", got, want)
	}
	if got := p.PipeNames(); !reflect.DeepEqual(got, []string{"info"}) {
		t.Errorf("PipeNames() = %v, want [info]", got)
	}
	info, err := p.AttributeInfo("Voltage")
	if err != nil || info.Unit != "V" || !info.Memorized {
		t.Errorf("AttributeInfo(Voltage) = %+v, %v", info, err)
	}
	pi, err := p.PipeInfo("info")
	if err != nil || pi.Label != "info" {
		t.Errorf("PipeInfo(info) = %+v, %v", pi, err)
	}
	_, err = p.CommandInfo("nope")
	wantReason(t, err, ReasonCommandNotFound)
}
