package device

import (
	"context"
	"errors"
	"testing"
)

func TestPushChangeEvent(t *testing.T) {
	c, err := Define[*psu](ClassSpec{
		Name:       "EventPSU",
		Attributes: []Attribute{{Name: "voltage", AbsChange: "0.5"}, {Name: "current"}},
	})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	sink := &recordingSink{}
	p := newPSU(t, c, Env{Events: sink})
	ctx := context.Background()

	wantReason(t, p.PushChangeEvent(ctx, "voltage", 1.0), ReasonEventPropertiesNotSet)

	if err := p.SetChangeEvent("voltage", true, true); err != nil {
		t.Fatalf("SetChangeEvent() error = %v", err)
	}
	steps := []struct {
		value  float64
		pushed bool
	}{
		{1.0, true},
		{1.2, false}, // below abs_change
		{2.0, true},
		{2.0, false},
		{1.0, true},
	}
	for _, s := range steps {
		before := sink.count()
		if err := p.PushChangeEvent(ctx, "voltage", s.value); err != nil {
			t.Fatalf("PushChangeEvent(%v) error = %v", s.value, err)
		}
		if got := sink.count() > before; got != s.pushed {
			t.Errorf("PushChangeEvent(%v) pushed = %v, want %v", s.value, got, s.pushed)
		}
	}
	ev := sink.last()
	if ev.Device != "test/psu/1" || ev.Attribute != "voltage" || ev.Type != ChangeEvent {
		t.Errorf("last event = %+v", ev)
	}
	if ev.Value == nil || ev.Value.Value != 1.0 {
		t.Errorf("last event value = %+v, want 1.0", ev.Value)
	}
}

func TestPushChangeEvent_WithoutDetection(t *testing.T) {
	c := definePSU(t)
	sink := &recordingSink{}
	p := newPSU(t, c, Env{Events: sink})
	ctx := context.Background()

	if err := p.SetChangeEvent("current", true, false); err != nil {
		t.Fatalf("SetChangeEvent() error = %v", err)
	}
	for range 3 {
		if err := p.PushChangeEvent(ctx, "current", 0.5); err != nil {
			t.Fatalf("PushChangeEvent() error = %v", err)
		}
	}
	if sink.count() != 3 {
		t.Errorf("pushed %d events, want 3 without detection", sink.count())
	}
}

func TestPushEvent_StateAndErrors(t *testing.T) {
	c := definePSU(t)
	sink := &recordingSink{}
	p := newPSU(t, c, Env{Events: sink})
	ctx := context.Background()

	// State needs no declaration and reads the current state.
	p.SetState(Alarm)
	if err := p.PushChangeEvent(ctx, "State", nil); err != nil {
		t.Fatalf("PushChangeEvent(State) error = %v", err)
	}
	if got := sink.last().Value.Value; got != Alarm {
		t.Errorf("State event value = %v, want ALARM", got)
	}

	if err := p.SetArchiveEvent("voltage", true, false); err != nil {
		t.Fatalf("SetArchiveEvent() error = %v", err)
	}
	if err := p.PushArchiveEvent(ctx, "voltage", errors.New("sensor lost")); err != nil {
		t.Fatalf("PushArchiveEvent(error) error = %v", err)
	}
	ev := sink.last()
	if ev.Err == nil || ev.Value != nil || ev.Type != ArchiveEvent {
		t.Errorf("error event = %+v, want an archive event carrying the error", ev)
	}

	if err := p.PushEvent(ctx, "current", 2.5); err != nil {
		t.Errorf("PushEvent() error = %v", err)
	}
	if sink.last().Type != UserEvent {
		t.Errorf("user event type = %v", sink.last().Type)
	}

	wantReason(t, p.PushDataReadyEvent("samples", 1), ReasonEventPropertiesNotSet)
	_ = p.SetDataReadyEvent("samples", true)
	if err := p.PushDataReadyEvent("samples", 7); err != nil {
		t.Fatalf("PushDataReadyEvent() error = %v", err)
	}
	if ev := sink.last(); ev.Type != DataReadyEvent || ev.Counter != 7 {
		t.Errorf("data ready event = %+v, want counter 7", ev)
	}

	wantReason(t, p.PushChangeEvent(ctx, "nope", 1.0), ReasonAttrNotFound)
	wantReason(t, p.PushChangeEvent(ctx, "voltage", "high"), ReasonEventPropertiesNotSet)
}
