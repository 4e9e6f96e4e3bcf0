// Package mqtt accepts device readings published to an MQTT broker and feeds
// them through the same verification and ingest path as the HTTP endpoint.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"iot-telemetry-hub/internal/data"
)

// TokenProperty is the MQTT v5 user property carrying the device token.
const TokenProperty = "x-device-token"

const (
	keepAlive       = 30
	disconnectGrace = 5 * time.Second
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*data.DeviceIdentity, error)
}

type Ingester interface {
	Ingest(ctx context.Context, device *data.DeviceIdentity, sensorID int64, raw float64, clientTimestamp *time.Time) (*data.Reading, error)
}

type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string
}

type Listener struct {
	cfg      Config
	auth     Authenticator
	ingester Ingester
	log      *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewListener(cfg Config, auth Authenticator, ingester Ingester, log *slog.Logger) *Listener {
	if cfg.ClientID == "" {
		cfg.ClientID = "telemetry-hub-" + uuid.NewString()
	}
	return &Listener{
		cfg:      cfg,
		auth:     auth,
		ingester: ingester,
		log:      log.With("component", "mqtt", "client_id", cfg.ClientID),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the first subscription is acknowledged.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run keeps a broker session open until ctx is cancelled, resubscribing after
// every reconnect.
func (l *Listener) Run(ctx context.Context) error {
	broker, err := url.Parse(l.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("broker url: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			l.log.Info("connected to broker", "broker", broker.String())
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: l.cfg.Topic, QoS: 1}},
			}); err != nil {
				l.log.Error("subscribe failed", "topic", l.cfg.Topic, "error", err)
				return
			}
			l.readyOnce.Do(func() { close(l.ready) })
		},
		OnConnectError: func(err error) {
			l.log.Warn("broker connection attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: l.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					l.onPublish(ctx, pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				l.log.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				l.log.Warn("broker requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mqtt connection: %w", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
	defer cancel()
	if err := cm.Disconnect(shutdownCtx); err != nil {
		l.log.Warn("mqtt disconnect", "error", err)
	}
	return nil
}

// onPublish handles one inbound message. Rejected messages are acknowledged
// and dropped; redelivery would not change the outcome.
func (l *Listener) onPublish(ctx context.Context, p *paho.Publish) {
	var token string
	if p.Properties != nil {
		token = p.Properties.User.Get(TokenProperty)
	}
	reading, err := l.HandleMessage(ctx, token, p.Payload)
	if err != nil {
		l.log.Info("mqtt reading rejected", "topic", p.Topic, "error", err)
		return
	}
	l.log.Debug("mqtt reading stored", "topic", p.Topic, "reading_id", reading.ID)
}

// HandleMessage verifies and ingests one payload. token comes from the
// message properties; when empty the payload's token field is used.
func (l *Listener) HandleMessage(ctx context.Context, token string, payload []byte) (*data.Reading, error) {
	req, err := data.ParseReading(payload)
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = req.Token
	}

	device, err := l.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return l.ingester.Ingest(ctx, device, req.SensorID, req.Value, req.Timestamp)
}
