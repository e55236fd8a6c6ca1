package server

import (
	"context"

	"github.com/nerrad567/devicekit/internal/device"
)

// AdminClassName is the class of the admin device every server exports
// as dserver/<server>/<instance>.
const AdminClassName = "DServer"

// adminDevice answers the administration commands of a server.
type adminDevice struct {
	device.Base
	srv *Server
}

var adminClass = device.MustDefine[*adminDevice](device.ClassSpec{
	Name: AdminClassName,
	Doc:  "Administration device of a device server",
	Commands: []device.Command{
		{Name: "Kill", Doc: "Stop the device server"},
		{Name: "QueryClass", Doc: "List the classes exported by the server"},
		{Name: "QueryDevice", Doc: "List the devices exported by the server as class::device"},
	},
})

func (a *adminDevice) InitDevice(context.Context) error {
	a.SetState(device.On)
	return nil
}

// Kill makes Run return once the reply has been sent.
func (a *adminDevice) Kill(context.Context) error {
	a.srv.Kill()
	return nil
}

func (a *adminDevice) QueryClass() []string {
	return a.srv.ClassNames()
}

func (a *adminDevice) QueryDevice() []string {
	var out []string
	for _, dev := range a.srv.Devices() {
		b := dev.DeviceBase()
		out = append(out, b.Class().Name()+"::"+b.Name())
	}
	return out
}
