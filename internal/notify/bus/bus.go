// Package bus is the in-process event pipeline of the notification service:
// health samples come in on one topic, pass through the anomaly detector and
// the outage aggregator, and end at the dispatcher.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/notify/anomaly"
)

const (
	TopicHealthSample = "health.sample.v1"
	TopicDeviceEvent  = "notify.device-event.v1"
)

// HealthSample is the wire form of one monitoring observation.
type HealthSample struct {
	NetworkID  uuid.UUID `json:"network_id"`
	DeviceIP   string    `json:"device_ip"`
	DeviceName string    `json:"device_name,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	Success    bool      `json:"success"`
	LatencyMS  *float64  `json:"latency_ms,omitempty"`
	PacketLoss *float64  `json:"packet_loss,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// deviceEventEnvelope carries a synthesized event between pipeline stages.
type deviceEventEnvelope struct {
	NetworkID uuid.UUID                `json:"network_id"`
	Event     *model.NotificationEvent `json:"event"`
}

// EventRouter is the dispatcher slice the pipeline terminates in.
type EventRouter interface {
	RouteDeviceEvent(ctx context.Context, networkID uuid.UUID, ev *model.NotificationEvent) error
}

// Bus owns the pub/sub channel and the handler router.
type Bus struct {
	pubsub  *gochannel.GoChannel
	router  *message.Router
	logger  *slog.Logger
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(anomalies *anomaly.Manager, events EventRouter, logger *slog.Logger) (*Bus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
		}.Middleware,
		middleware.Timeout(30*time.Second),
	)

	b := &Bus{
		pubsub:  pubsub,
		router:  router,
		logger:  logger,
		stopped: make(chan struct{}),
	}

	router.AddConsumerHandler("ON_HEALTH_SAMPLE", TopicHealthSample, pubsub,
		b.onHealthSample(anomalies))
	router.AddConsumerHandler("ON_DEVICE_EVENT", TopicDeviceEvent, pubsub,
		b.onDeviceEvent(events))

	return b, nil
}

// Start runs the router until Close is called.
func (b *Bus) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		defer close(b.stopped)
		if err := b.router.Run(ctx); err != nil {
			b.logger.Error("event router stopped with error", "err", err)
		}
	}()
	<-b.router.Running()
	b.logger.Info("event pipeline running")
}

// Close drains and stops the pipeline.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.stopped
	}
	return b.pubsub.Close()
}

// PublishSample enqueues one health observation.
func (b *Bus) PublishSample(ctx context.Context, s HealthSample) error {
	if s.DeviceIP == "" || s.NetworkID == uuid.Nil {
		return model.ErrValidation
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return b.pubsub.Publish(TopicHealthSample, msg)
}

// PublishDeviceEvent enqueues an already-built event, bypassing detection.
func (b *Bus) PublishDeviceEvent(ctx context.Context, networkID uuid.UUID, ev *model.NotificationEvent) error {
	payload, err := json.Marshal(deviceEventEnvelope{NetworkID: networkID, Event: ev})
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return b.pubsub.Publish(TopicDeviceEvent, msg)
}

// onHealthSample trains the per-network detector and forwards whatever event
// it synthesizes.
func (b *Bus) onHealthSample(anomalies *anomaly.Manager) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var s HealthSample
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			// Malformed input is terminal; retrying cannot fix it.
			b.logger.Error("undecodable health sample dropped", "msg_id", msg.UUID, "err", err)
			return nil
		}

		ev, assessment := anomalies.For(s.NetworkID).Process(anomaly.Sample{
			DeviceIP:   s.DeviceIP,
			DeviceName: s.DeviceName,
			Hostname:   s.Hostname,
			Success:    s.Success,
			LatencyMS:  s.LatencyMS,
			PacketLoss: s.PacketLoss,
			Timestamp:  s.Timestamp,
		})
		if assessment.IsAnomaly {
			b.logger.Info("anomaly detected",
				"network_id", s.NetworkID,
				"device_ip", s.DeviceIP,
				"kind", assessment.Kind,
				"confidence", assessment.Confidence,
			)
		}
		if ev == nil {
			return nil
		}
		return b.PublishDeviceEvent(msg.Context(), s.NetworkID, ev)
	}
}

func (b *Bus) onDeviceEvent(events EventRouter) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var env deviceEventEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			b.logger.Error("undecodable device event dropped", "msg_id", msg.UUID, "err", err)
			return nil
		}
		if env.Event == nil {
			return nil
		}
		if !env.Event.Type.Valid() {
			b.logger.Warn("unknown event type dropped", "type", env.Event.Type)
			return nil
		}
		if err := events.RouteDeviceEvent(msg.Context(), env.NetworkID, env.Event); err != nil {
			return fmt.Errorf("route device event: %w", err)
		}
		return nil
	}
}
