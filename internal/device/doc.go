// Package device is the object model of a device server: classes built
// from attribute, command and pipe declarations, and devices that
// dispatch client requests to them.
//
// A device type is a struct embedding Base. Define binds the
// declarations to its methods, by convention (ReadVoltage, WriteVoltage,
// IsVoltageAllowed), by name, or through functions whose first
// parameter accepts the device:
//
//	type PowerSupply struct {
//	    device.Base
//	    voltage float64
//	}
//
//	func (p *PowerSupply) ReadVoltage(ctx context.Context) (float64, error) {
//	    return p.voltage, nil
//	}
//
//	func (p *PowerSupply) WriteVoltage(ctx context.Context, v float64) error {
//	    p.voltage = v
//	    return nil
//	}
//
//	var PowerSupplyClass = device.MustDefine[*PowerSupply](device.ClassSpec{
//	    Attributes: []device.Attribute{{Name: "voltage"}},
//	})
//
// Binding errors are reported by Define as *DefinitionError, never at
// dispatch time. Dispatch failures are *DevFailed values carrying a
// Tango-style reason such as API_AttrNotAllowed.
//
// Lifecycle hooks are optional interfaces (Initializer, StateReader,
// AlwaysExecuted, ...). Hooks and bindings run through the server's
// worker.Worker, so device code sees the concurrency model the server
// was started with.
//
// Each device also keeps its own dynamic members: AddAttribute,
// AddCommand and AddPipe, and the matching Remove calls, change what one
// device exposes without touching its class.
package device
