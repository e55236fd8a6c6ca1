package main

import (
	"context"
	"fmt"
	"math"

	"github.com/nerrad567/devicekit/internal/device"
)

// PowerSupply is the example device shipped with the binary. It models a
// bench supply with an output that can be ramped.
type PowerSupply struct {
	device.Base
	voltage float64
	current float64
}

// InitDevice switches the output off and enables change events.
func (p *PowerSupply) InitDevice(context.Context) error {
	p.SetState(device.Off)
	p.SetStatus("output off")
	if err := p.SetChangeEvent("voltage", true, false); err != nil {
		return err
	}
	return p.SetChangeEvent("current", true, false)
}

func (p *PowerSupply) ReadVoltage() float64 { return p.voltage }

func (p *PowerSupply) WriteVoltage(v float64) error {
	limit, err := device.PropertyAs[float64](p, "MaxVoltage")
	if err != nil {
		return err
	}
	if v < 0 || v > limit {
		return fmt.Errorf("voltage %g outside 0..%g", v, limit)
	}
	p.voltage = v
	p.updateCurrent()
	return nil
}

func (p *PowerSupply) ReadCurrent() float64 { return p.current }

func (p *PowerSupply) ReadModel() (string, error) {
	return device.PropertyAs[string](p, "Model")
}

func (p *PowerSupply) TurnOn() {
	p.SetState(device.On)
	p.SetStatus("output on")
	p.updateCurrent()
}

func (p *PowerSupply) TurnOff() {
	p.SetState(device.Off)
	p.SetStatus("output off")
	p.current = 0
}

// Ramp moves the set point by step volts and returns the new set point.
func (p *PowerSupply) Ramp(ctx context.Context, step float64) (float64, error) {
	if err := p.WriteVoltage(p.voltage + step); err != nil {
		return p.voltage, err
	}
	if err := p.PushChangeEvent(ctx, "voltage", p.voltage); err != nil {
		return p.voltage, err
	}
	return p.voltage, p.PushChangeEvent(ctx, "current", p.current)
}

// updateCurrent applies the load resistance to the set point.
func (p *PowerSupply) updateCurrent() {
	if p.GetState() != device.On {
		return
	}
	load, err := device.PropertyAs[float64](p, "Load")
	if err != nil || load <= 0 {
		p.current = 0
		return
	}
	p.current = math.Round(p.voltage/load*1000) / 1000
}

var powerSupplyClass = device.MustRegister(device.MustDefine[*PowerSupply](device.ClassSpec{
	Name: "PowerSupply",
	Doc:  "Bench power supply with a rampable output.",
	Attributes: []device.Attribute{
		{Name: "voltage", Access: device.ReadWrite, Unit: "V", MinValue: "0", Memorized: true, HwMemorized: true},
		{Name: "current", Unit: "A"},
		{Name: "model"},
	},
	Commands: []device.Command{
		{Name: "TurnOn", Doc: "Switch the output on."},
		{Name: "TurnOff", Doc: "Switch the output off."},
		{Name: "Ramp", DocIn: "Step in volts.", DocOut: "New set point."},
	},
	DeviceProperties: []device.DeviceProperty{
		{Name: "MaxVoltage", Dtype: device.Double, Default: 30.0, Doc: "Upper limit of the set point."},
		{Name: "Load", Dtype: device.Double, Default: 10.0, Doc: "Load resistance in ohms."},
		{Name: "Model", Dtype: device.String, Default: "PS-3005", Doc: "Model name."},
	},
}))
