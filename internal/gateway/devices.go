package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devicekit/internal/client"
	"github.com/nerrad567/devicekit/internal/device"
)

// DeviceSummary is one entry of the device list.
type DeviceSummary struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

// DeviceDetail describes one device.
type DeviceDetail struct {
	Name       string   `json:"name"`
	Class      string   `json:"class"`
	Server     string   `json:"server"`
	GreenMode  string   `json:"green_mode"`
	Doc        string   `json:"doc,omitempty"`
	State      string   `json:"state"`
	Status     string   `json:"status"`
	Attributes []string `json:"attributes"`
	Commands   []string `json:"commands"`
	Pipes      []string `json:"pipes"`
}

// writeRequest is the body of an attribute write.
type writeRequest struct {
	Value json.RawMessage `json:"value"`
}

// commandRequest is the optional body of a command call.
type commandRequest struct {
	Arg json.RawMessage `json:"arg"`
}

// commandResponse carries the command output, null for void commands.
type commandResponse struct {
	Result any `json:"result"`
}

// deviceName rebuilds "domain/family/member" from the route.
func deviceName(r *http.Request) string {
	return chi.URLParam(r, "domain") + "/" + chi.URLParam(r, "family") + "/" + chi.URLParam(r, "member")
}

// deviceProxy resolves the route's device and writes the error response
// when it cannot.
func (g *Gateway) deviceProxy(w http.ResponseWriter, r *http.Request) (*client.DeviceProxy, bool) {
	p, err := g.proxy(r.Context(), deviceName(r))
	if err != nil {
		writeDeviceError(w, err)
		return nil, false
	}
	return p, true
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devs := g.srv.Devices()
	out := make([]DeviceSummary, 0, len(devs))
	for _, d := range devs {
		b := d.DeviceBase()
		s := DeviceSummary{Name: b.Name()}
		if c := b.Class(); c != nil {
			s.Class = c.Name()
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":  g.srv.Name(),
		"devices": out,
		"count":   len(out),
	})
}

func (g *Gateway) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := g.deviceProxy(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	info, err := p.Info(ctx)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	detail := DeviceDetail{
		Name:      info.Name,
		Class:     info.Class,
		Server:    info.Server,
		GreenMode: info.GreenMode,
		Doc:       info.Doc,
	}
	state, err := p.State(ctx)
	if err == nil {
		detail.State = state.String()
		detail.Status, err = p.Status(ctx)
	}
	if err == nil {
		detail.Attributes, err = p.AttributeList(ctx)
	}
	if err == nil {
		detail.Commands, err = p.CommandList(ctx)
	}
	if err == nil {
		detail.Pipes, err = p.PipeList(ctx)
	}
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (g *Gateway) handleReadAttribute(w http.ResponseWriter, r *http.Request) {
	p, ok := g.deviceProxy(w, r)
	if !ok {
		return
	}
	v, err := p.ReadAttribute(r.Context(), chi.URLParam(r, "attr"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (g *Gateway) handleWriteAttribute(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Value) == 0 {
		writeBadRequest(w, "value is required")
		return
	}
	value, err := decodeAny(req.Value)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	p, ok := g.deviceProxy(w, r)
	if !ok {
		return
	}
	if err := p.WriteAttribute(r.Context(), chi.URLParam(r, "attr"), value); err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	var arg any
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading body: "+err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		var req commandRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeBadRequest(w, "invalid JSON body: "+err.Error())
			return
		}
		if len(req.Arg) > 0 {
			if arg, err = decodeAny(req.Arg); err != nil {
				writeBadRequest(w, err.Error())
				return
			}
		}
	}
	p, ok := g.deviceProxy(w, r)
	if !ok {
		return
	}
	out, err := p.CommandInout(r.Context(), chi.URLParam(r, "cmd"), arg)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Result: out})
}

func (g *Gateway) handleReadPipe(w http.ResponseWriter, r *http.Request) {
	p, ok := g.deviceProxy(w, r)
	if !ok {
		return
	}
	blob, err := p.ReadPipe(r.Context(), chi.URLParam(r, "pipe"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blob)
}

func (g *Gateway) handleWritePipe(w http.ResponseWriter, r *http.Request) {
	var blob device.Blob
	if err := json.NewDecoder(r.Body).Decode(&blob); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	p, ok := g.deviceProxy(w, r)
	if !ok {
		return
	}
	if err := p.WritePipe(r.Context(), chi.URLParam(r, "pipe"), blob); err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeAny keeps numbers as json.Number so integers survive until the
// server coerces them to the attribute type.
func decodeAny(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid value: trailing data")
	}
	return v, nil
}
