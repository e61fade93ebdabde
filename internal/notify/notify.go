// Package notify publishes rule-processing events to an MQTT broker
// so other systems (dashboards, home automation) can react to weft
// activity without polling the admin API.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/weftd/weft/internal/config"
	"github.com/weftd/weft/internal/engine"
)

// Publisher manages the MQTT connection and forwards engine events to
// the configured topic. It implements engine.EventSink; events are
// queued on a channel so the rule-processing path never blocks on the
// broker.
type Publisher struct {
	cfg    config.NotifyConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	events chan engine.Event
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger,
		events: make(chan engine.Event, 64),
	}
}

// PublishEvent queues an event for delivery. When the queue is full
// (broker down, slow reconnect) the event is dropped: event delivery
// is best-effort and must never stall rule processing.
func (p *Publisher) PublishEvent(ev engine.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("notify queue full, dropping event",
			"rule_id", ev.RuleID,
			"outcome", ev.Outcome,
		)
	}
}

// Start begins connecting to the MQTT broker and launches the
// forwarding loop, which runs until ctx is cancelled. Start itself
// returns as soon as the connection attempt is underway; autopaho
// retries in the background, so a broker that is down at startup only
// delays delivery. An availability message is retained so consumers
// can tell whether the daemon is up.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.cfg.Topic + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	go func() {
		connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
		defer connCancel()
		if err := cm.AwaitConnection(connCtx); err != nil {
			// autopaho keeps retrying in the background.
			p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
		}
		p.forward(ctx)
	}()
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// forward drains the event queue into the broker until ctx ends.
func (p *Publisher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.publish(ctx, ev)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev engine.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("notify marshal event", "error", err)
		return
	}

	topic := p.cfg.Topic + "/" + string(ev.Outcome)
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("notify publish failed",
			"topic", topic,
			"rule_id", ev.RuleID,
			"error", err,
		)
		return
	}
	p.logger.Debug("notify event published",
		"topic", topic,
		"rule_id", ev.RuleID,
		"outcome", ev.Outcome,
	)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.Topic + "/availability",
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}
