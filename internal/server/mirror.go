package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/infrastructure/mqtt"
)

// Broker is the MQTT surface the server uses. *mqtt.Client implements it.
type Broker interface {
	PublishDefault(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	HasSubscription(topic string) bool
}

var _ Broker = (*mqtt.Client)(nil)

// Archiver stores archive events. *influxdb.Client implements it.
type Archiver interface {
	WriteAttributeEvent(device, attribute, eventType, quality string, value any, ts time.Time)
}

// writeQoS is the QoS of the remote write subscription.
const writeQoS = 1

// mirror copies pushed events to the broker and the archive.
type mirror struct {
	broker   Broker
	archiver Archiver
	topics   mqtt.Topics
	log      *logging.Logger
	// writes is set once this server owns the write subscription.
	writes bool
}

func (m *mirror) publish(ev device.Event) {
	if m.broker != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			m.log.Warn("failed to encode event for mqtt", "device", ev.Device, "attribute", ev.Attribute, "error", err)
		} else if err := m.broker.PublishDefault(m.topics.Event(ev.Device, ev.Attribute, ev.Type.String()), payload); err != nil {
			m.log.Debug("failed to mirror event", "device", ev.Device, "attribute", ev.Attribute, "error", err)
		}
	}
	if m.archiver != nil && ev.Type == device.ArchiveEvent && ev.Value != nil {
		m.archiver.WriteAttributeEvent(ev.Device, ev.Attribute, ev.Type.String(), ev.Value.Quality.String(), ev.Value.Value, ev.Time)
	}
}

// subscribeWrites applies attribute writes published on the write topics.
func (s *Server) subscribeWrites(ctx context.Context) error {
	if s.mirror.broker == nil {
		return nil
	}
	topic := s.mirror.topics.AllWrites()
	if s.mirror.broker.HasSubscription(topic) {
		return fmt.Errorf("%w: %s", ErrWritesTaken, topic)
	}
	err := s.mirror.broker.Subscribe(topic, writeQoS, func(topic string, payload []byte) error {
		name, attr, ok := s.mirror.topics.ParseWrite(topic)
		if !ok {
			return fmt.Errorf("malformed write topic %q", topic)
		}
		dev, err := s.lookup(name)
		if err != nil {
			return err
		}
		value, err := decodeValue(payload)
		if err != nil {
			return err
		}
		if err := dev.DeviceBase().WriteAttribute(ctx, attr, value); err != nil {
			return fmt.Errorf("writing %s/%s: %w", name, attr, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mirror.writes = true
	return nil
}
