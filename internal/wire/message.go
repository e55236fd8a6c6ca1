package wire

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/devicekit/internal/device"
)

// PubSubSignature is the greeting the event port sends to every new
// connection before anything else.
var PubSubSignature = []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x7F}

// Op names a request operation.
type Op string

const (
	OpPing           Op = "ping"
	OpInfo           Op = "info"
	OpState          Op = "state"
	OpStatus         Op = "status"
	OpReadAttribute  Op = "read_attribute"
	OpReadAttributes Op = "read_attributes"
	OpWriteAttribute Op = "write_attribute"
	OpCommandInout   Op = "command_inout"
	OpReadPipe       Op = "read_pipe"
	OpWritePipe      Op = "write_pipe"
	OpAttributeList  Op = "attribute_list"
	OpCommandList    Op = "command_list"
	OpPipeList       Op = "pipe_list"
	OpAttributeInfo  Op = "attribute_info"
	OpCommandInfo    Op = "command_info"
	OpPipeInfo       Op = "pipe_info"
)

// RequestBody is the JSON body of a Request frame.
type RequestBody struct {
	Op     Op              `json:"op"`
	Device string          `json:"device"`
	Name   string          `json:"name,omitempty"`
	Names  []string        `json:"names,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// ReplyBody is the JSON body of a Reply frame. Exactly one of Result and
// Error is set, except for void results where both are empty.
type ReplyBody struct {
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *device.DevFailed `json:"error,omitempty"`
}

// SubscribeBody is the body of Subscribe and Unsubscribe frames.
type SubscribeBody struct {
	ID        string           `json:"id"`
	Device    string           `json:"device,omitempty"`
	Attribute string           `json:"attribute,omitempty"`
	Type      device.EventType `json:"type"`
}

// EventBody is the body of Event frames. ID is the subscription the event
// was delivered for.
type EventBody struct {
	ID    string       `json:"id"`
	Event device.Event `json:"event"`
}

// DeviceInfo answers OpInfo.
type DeviceInfo struct {
	Name      string `json:"name"`
	Class     string `json:"class"`
	Server    string `json:"server"`
	Host      string `json:"host"`
	GreenMode string `json:"green_mode"`
	ServerPID int    `json:"server_pid"`
	Doc       string `json:"doc,omitempty"`
	AdminName string `json:"admin_name"`
	// EventPort is the port of the event channel of the server.
	EventPort int `json:"event_port"`
}

// NewRequest encodes a request frame. value is marshalled into the Value
// field unless nil.
func NewRequest(id uint32, op Op, dev, name string, value any) (Frame, error) {
	body := RequestBody{Op: op, Device: dev, Name: name}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return Frame{}, fmt.Errorf("encoding %s value: %w", op, err)
		}
		body.Value = raw
	}
	return encodeJSON(Request, id, body)
}

// NewReply encodes the reply to request id. A non-nil err becomes a
// structured failure.
func NewReply(id uint32, result any, err error) (Frame, error) {
	var body ReplyBody
	if err != nil {
		body.Error = device.AsDevFailed(err)
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			body.Error = device.Failed(device.ReasonDeviceMethodFailed, merr.Error(), "wire.NewReply")
		} else {
			body.Result = raw
		}
	}
	return encodeJSON(Reply, id, body)
}

// NewEvent encodes an event frame for subscription id.
func NewEvent(id string, ev device.Event) (Frame, error) {
	return encodeJSON(Event, 0, EventBody{ID: id, Event: ev})
}

// NewSubscribe encodes a Subscribe or Unsubscribe frame.
func NewSubscribe(t MsgType, id uint32, body SubscribeBody) (Frame, error) {
	return encodeJSON(t, id, body)
}

func encodeJSON(t MsgType, id uint32, v any) (Frame, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s: %w", t, err)
	}
	return Frame{Type: t, ID: id, Body: raw}, nil
}

// Decode unmarshals the JSON body of f into v.
func Decode(f Frame, v any) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", f.Type, err)
	}
	return nil
}
