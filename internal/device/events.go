package device

import (
	"context"
	"time"
)

// SetChangeEvent declares that the device pushes change events for an
// attribute. With detect, a push is dropped when the value did not change
// by more than AbsChange.
func (b *Base) SetChangeEvent(name string, implemented, detect bool) error {
	return b.setEvent(name, ChangeEvent, implemented, detect)
}

// SetArchiveEvent is SetChangeEvent for archive events, using
// ArchiveAbsChange.
func (b *Base) SetArchiveEvent(name string, implemented, detect bool) error {
	return b.setEvent(name, ArchiveEvent, implemented, detect)
}

// SetDataReadyEvent declares that the device pushes data ready events.
func (b *Base) SetDataReadyEvent(name string, implemented bool) error {
	return b.setEvent(name, DataReadyEvent, implemented, false)
}

func (b *Base) setEvent(name string, t EventType, implemented, detect bool) error {
	_, a, ok := b.lookupAttr(name)
	if !ok {
		return Failedf(ReasonAttrNotFound, "Set"+camel(t.String())+"Event", "attribute %s not found in device %s", name, b.name)
	}
	a.mu.Lock()
	cfg := a.eventConfig(t)
	cfg.implemented = implemented
	cfg.detect = detect
	a.mu.Unlock()
	return nil
}

func (a *Attr) eventImplemented(t EventType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.events[t]
	return ok && cfg.implemented
}

// PushChangeEvent pushes a change event. A nil value pushes the current
// value, which State and Status read from the device; an error value
// pushes an error event.
func (b *Base) PushChangeEvent(ctx context.Context, name string, value any) error {
	return b.pushValue(ctx, name, ChangeEvent, value)
}

// PushArchiveEvent pushes an archive event, like PushChangeEvent.
func (b *Base) PushArchiveEvent(ctx context.Context, name string, value any) error {
	return b.pushValue(ctx, name, ArchiveEvent, value)
}

// PushEvent pushes a user event. Unlike change events it needs no
// declaration and no detection applies.
func (b *Base) PushEvent(ctx context.Context, name string, value any) error {
	return b.pushValue(ctx, name, UserEvent, value)
}

// PushDataReadyEvent signals that new data is available for an attribute.
func (b *Base) PushDataReadyEvent(name string, counter int) error {
	d, a, ok := b.lookupAttr(name)
	if !ok {
		return Failedf(ReasonAttrNotFound, "PushDataReadyEvent", "attribute %s not found in device %s", name, b.name)
	}
	if !a.eventImplemented(DataReadyEvent) {
		return Failedf(ReasonEventPropertiesNotSet, "PushDataReadyEvent",
			"data ready event of %s is not declared; call SetDataReadyEvent first", d.name)
	}
	b.publish(Event{Device: b.name, Attribute: d.name, Type: DataReadyEvent, Counter: counter, Time: time.Now()})
	return nil
}

func (b *Base) pushValue(ctx context.Context, name string, t EventType, value any) error {
	if err := b.checkAlive("Push" + camel(t.String()) + "Event"); err != nil {
		return err
	}
	d, a, ok := b.lookupAttr(name)
	if !ok {
		return Failedf(ReasonAttrNotFound, "Push"+camel(t.String())+"Event", "attribute %s not found in device %s", name, b.name)
	}
	if (t == ChangeEvent || t == ArchiveEvent) && d.builtin == nil && !a.eventImplemented(t) {
		return Failedf(ReasonEventPropertiesNotSet, "Push"+camel(t.String())+"Event",
			"%s event of %s is not declared; call Set%sEvent first", t, d.name, camel(t.String()))
	}

	ev := Event{Device: b.name, Attribute: d.name, Type: t, Time: time.Now()}
	if err, isErr := value.(error); isErr {
		ev.Err = toDevFailed(err)
		b.publish(ev)
		return nil
	}

	switch {
	case value == nil && d.builtin != nil:
		v, err := d.builtin(ctx, b)
		if err != nil {
			ev.Err = toDevFailed(err)
			b.publish(ev)
			return nil
		}
		if err := a.SetValue(v); err != nil {
			return err
		}
	case value != nil:
		if err := a.SetValue(value); err != nil {
			return err
		}
	}
	snap := a.snapshot()
	if t != UserEvent && !a.shouldPush(t, snap.Value) {
		return nil
	}
	ev.Value = &snap
	b.publish(ev)
	return nil
}

func (b *Base) publish(ev Event) {
	if b.events == nil {
		return
	}
	b.events.Publish(ev)
}
