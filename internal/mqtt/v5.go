package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sensorwatch/internal/connection"
)

// V5 is an MQTT v5 transport backed by autopaho.
type V5 struct {
	opts   Options
	broker *url.URL
	logger *slog.Logger
	gate   *inboundGate
	chain  requestChain

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	ctx    context.Context
	cancel context.CancelFunc
}

// NewV5 creates an MQTT v5 transport. It does not connect.
func NewV5(opts Options) (*V5, error) {
	u, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &V5{
		opts:   opts,
		broker: u,
		logger: opts.Logger.With("protocol", "v5"),
		gate:   opts.gate(),
	}, nil
}

// Connect starts autopaho's connection loop. Handshake results and
// drops are reported through h; autopaho reconnects on its own.
func (t *V5) Connect(ctx context.Context, h connection.Handlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cm != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	onMessage := t.gate.guard(h.OnMessage)

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{t.broker},
		KeepAlive:                     uint16(t.opts.Config.KeepAliveSec),
		ConnectTimeout:                t.opts.Config.ConnectTimeout(),
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              t.opts.Backoff.Delay,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("mqtt connected to broker", "broker", t.opts.Config.Broker)
			h.OnConnected()
		},
		OnConnectError: func(err error) {
			t.logger.Debug("mqtt connection attempt failed", "broker", t.opts.Config.Broker, "error", err)
			h.OnConnectError(err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: t.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					onMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				h.OnConnectionLost(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				h.OnConnectionLost(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
			},
		},
	}

	if usesTLS(t.broker) {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(runCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	t.cm = cm
	t.ctx = runCtx
	t.cancel = cancel
	go t.gate.run(runCtx)

	t.logger.Debug("mqtt connection manager started",
		"broker", t.opts.Config.Broker,
		"client_id", t.opts.ClientID,
		"connect_timeout", t.opts.Config.ConnectTimeout().String(),
	)
	return nil
}

func (t *V5) current() (*autopaho.ConnectionManager, context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cm, t.ctx
}

// Subscribe queues a QoS 0 subscription for topic.
func (t *V5) Subscribe(topic string) error {
	cm, ctx := t.current()
	if cm == nil {
		return ErrNotStarted
	}
	t.chain.enqueue(ctx, func(ctx context.Context) {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
		}); err != nil {
			t.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
			return
		}
		t.logger.Info("mqtt subscribed", "topic", topic)
	})
	return nil
}

// Unsubscribe queues removal of the subscription for topic.
func (t *V5) Unsubscribe(topic string) error {
	cm, ctx := t.current()
	if cm == nil {
		return ErrNotStarted
	}
	t.chain.enqueue(ctx, func(ctx context.Context) {
		if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
			t.logger.Warn("mqtt unsubscribe failed", "topic", topic, "error", err)
			return
		}
		t.logger.Info("mqtt unsubscribed", "topic", topic)
	})
	return nil
}

// Disconnect closes the connection and stops reconnecting. The
// provided context bounds how long to wait for a clean DISCONNECT.
func (t *V5) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cm, cancel := t.cm, t.cancel
	t.mu.Unlock()
	if cm == nil {
		return nil
	}
	defer cancel()
	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}
