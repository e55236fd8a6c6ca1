package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/wire"
)

// serveRequests reads request frames from one connection. Each request
// is dispatched on its own goroutine; replies share the connection under
// a write lock and may leave in any order.
func (s *Server) serveRequests(ctx context.Context, conn net.Conn) {
	if !s.track(conn) {
		conn.Close() //nolint:errcheck // refusing the connection
		return
	}
	defer s.untrack(conn)

	var writeMu sync.Mutex
	write := func(f wire.Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wire.WriteFrame(conn, f); err != nil {
			s.log.Debug("failed to write reply", "remote", conn.RemoteAddr().String(), "error", err)
		}
	}

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("request connection closed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		switch f.Type {
		case wire.CloseConnection:
			return
		case wire.Request:
			if !s.beginRequest() {
				return
			}
			go func() {
				defer s.reqWG.Done()
				write(s.handle(ctx, f))
			}()
		case wire.CancelRequest:
			// Requests run to completion; the reply is discarded by the peer.
		default:
			write(wire.Frame{Type: wire.MessageError})
			return
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close() //nolint:errcheck // peer may be gone already
}

// beginRequest counts a request in flight unless shutdown has started.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.reqWG.Add(1)
	return true
}

// handle answers one request frame. Failures become structured replies;
// nothing a client sends can stop the server.
func (s *Server) handle(ctx context.Context, f wire.Frame) wire.Frame {
	start := time.Now()
	var (
		req    wire.RequestBody
		result any
		err    error
	)
	if derr := wire.Decode(f, &req); derr != nil {
		req.Op = "invalid"
		err = device.Failed(ReasonBadRequest, derr.Error(), "Server.handle")
	} else {
		result, err = s.dispatch(ctx, req)
	}
	s.metrics.observe(string(req.Op), err, time.Since(start))
	if err != nil {
		s.log.Debug("request failed", "op", req.Op, "device", req.Device, "name", req.Name, "error", err)
	}

	reply, rerr := wire.NewReply(f.ID, result, err)
	if rerr != nil {
		reply, _ = wire.NewReply(f.ID, nil, rerr)
	}
	return reply
}

func (s *Server) dispatch(ctx context.Context, req wire.RequestBody) (any, error) {
	dev, err := s.lookup(req.Device)
	if err != nil {
		return nil, err
	}
	b := dev.DeviceBase()

	switch req.Op {
	case wire.OpPing:
		return nil, nil
	case wire.OpInfo:
		return s.info(b), nil
	case wire.OpState:
		return b.State(ctx)
	case wire.OpStatus:
		return b.Status(ctx)
	case wire.OpReadAttribute:
		return b.ReadAttribute(ctx, req.Name)
	case wire.OpReadAttributes:
		return b.ReadAttributes(ctx, req.Names...)
	case wire.OpWriteAttribute:
		v, err := decodeValue(req.Value)
		if err != nil {
			return nil, err
		}
		return nil, b.WriteAttribute(ctx, req.Name, v)
	case wire.OpCommandInout:
		v, err := decodeValue(req.Value)
		if err != nil {
			return nil, err
		}
		return b.CommandInout(ctx, req.Name, v)
	case wire.OpReadPipe:
		return b.ReadPipe(ctx, req.Name)
	case wire.OpWritePipe:
		var blob device.Blob
		if err := json.Unmarshal(req.Value, &blob); err != nil {
			return nil, device.Failedf(ReasonBadRequest, "WritePipe", "pipe %s: %v", req.Name, err)
		}
		return nil, b.WritePipe(ctx, req.Name, blob)
	case wire.OpAttributeList:
		return b.AttributeNames(), nil
	case wire.OpCommandList:
		return b.CommandNames(), nil
	case wire.OpPipeList:
		return b.PipeNames(), nil
	case wire.OpAttributeInfo:
		return b.AttributeInfo(req.Name)
	case wire.OpCommandInfo:
		return b.CommandInfo(req.Name)
	case wire.OpPipeInfo:
		return b.PipeInfo(req.Name)
	}
	return nil, device.Failedf(ReasonUnsupportedOp, "Server.dispatch", "unsupported operation %q", req.Op)
}

func (s *Server) info(b *device.Base) wire.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wire.DeviceInfo{
		Name:      b.Name(),
		Class:     b.Class().Name(),
		Server:    s.name,
		Host:      s.host,
		GreenMode: s.mode.String(),
		ServerPID: os.Getpid(),
		Doc:       b.Class().Doc(),
		AdminName: s.adminName,
		EventPort: s.eventPort,
	}
}

// decodeValue decodes a request value keeping integers exact; the device
// coerces it to the declared type.
func decodeValue(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, device.Failedf(ReasonBadRequest, "Server.decodeValue", "malformed value: %v", err)
	}
	return v, nil
}
