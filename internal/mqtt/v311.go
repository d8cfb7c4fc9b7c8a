package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nugget/sensorwatch/internal/connection"
)

// disconnectQuiesceMS is how long Disconnect lets in-flight work finish.
const disconnectQuiesceMS = 250

// V311 is an MQTT 3.1.1 transport backed by the classic Paho client.
type V311 struct {
	opts   Options
	broker *url.URL
	logger *slog.Logger
	gate   *inboundGate
	chain  requestChain

	// attempting is set when paho starts a connect attempt and cleared
	// on connect. Paho reports no per-attempt failures, so an attempt
	// starting while the flag is still set means the last one failed.
	attempting atomic.Bool

	mu     sync.Mutex
	client pahomqtt.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewV311 creates an MQTT 3.1.1 transport. It does not connect.
func NewV311(opts Options) (*V311, error) {
	u, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &V311{
		opts:   opts,
		broker: u,
		logger: opts.Logger.With("protocol", "v311"),
		gate:   opts.gate(),
	}, nil
}

// brokerAddress rewrites mqtt:// and mqtts:// to the schemes the
// classic client expects.
func brokerAddress(u *url.URL) string {
	c := *u
	switch c.Scheme {
	case "mqtt":
		c.Scheme = "tcp"
	case "mqtts":
		c.Scheme = "ssl"
	}
	return c.String()
}

func (t *V311) clientOptions(h connection.Handlers) *pahomqtt.ClientOptions {
	onMessage := t.gate.guard(h.OnMessage)
	cfg := t.opts.Config

	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerAddress(t.broker)).
		SetClientID(t.opts.ClientID).
		SetKeepAlive(cfg.KeepAlive()).
		SetConnectTimeout(cfg.ConnectTimeout()).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(t.opts.Backoff.Delay(1)).
		SetMaxReconnectInterval(t.maxReconnectInterval()).
		SetOnConnectHandler(func(pahomqtt.Client) {
			t.attempting.Store(false)
			t.logger.Info("mqtt connected to broker", "broker", cfg.Broker)
			h.OnConnected()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			h.OnConnectionLost(err)
		}).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			t.logger.Debug("mqtt reconnecting", "broker", cfg.Broker)
			if h.OnReconnecting != nil {
				h.OnReconnecting()
			}
		}).
		SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
			t.logger.Debug("mqtt connection attempt", "broker", broker.String())
			if t.attempting.Swap(true) {
				h.OnConnectError(fmt.Errorf("%w: %s", ErrAttemptFailed, broker.Host))
			}
			return tlsCfg
		}).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
			onMessage(msg.Topic(), msg.Payload())
		})

	if usesTLS(t.broker) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

func (t *V311) maxReconnectInterval() time.Duration {
	return t.opts.Backoff.Ceiling()
}

// Connect starts the client. With connect-retry enabled the initial
// handshake keeps retrying in the background; if it has not completed
// within the connect timeout, ErrConnectTimeout is reported through h.
// Every later retry that starts while the previous one is still
// unanswered reports ErrAttemptFailed.
func (t *V311) Connect(ctx context.Context, h connection.Handlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	client := pahomqtt.NewClient(t.clientOptions(h))
	tok := client.Connect()

	t.client = client
	t.ctx = runCtx
	t.cancel = cancel
	go t.gate.run(runCtx)
	go t.watchInitialConnect(runCtx, tok, h)

	t.logger.Debug("mqtt client started",
		"broker", t.opts.Config.Broker,
		"client_id", t.opts.ClientID,
	)
	return nil
}

func (t *V311) watchInitialConnect(ctx context.Context, tok pahomqtt.Token, h connection.Handlers) {
	timeout := t.opts.Config.ConnectTimeout()
	if !tok.WaitTimeout(timeout) {
		h.OnConnectError(fmt.Errorf("%w after %s", ErrConnectTimeout, timeout))
		select {
		case <-tok.Done():
		case <-ctx.Done():
			return
		}
	}
	if err := tok.Error(); err != nil {
		h.OnConnectError(err)
	}
}

func (t *V311) current() (pahomqtt.Client, context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client, t.ctx
}

// waitToken waits for tok within ctx.
func waitToken(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe queues a QoS 0 subscription for topic. Messages arrive via
// the default publish handler.
func (t *V311) Subscribe(topic string) error {
	client, ctx := t.current()
	if client == nil {
		return ErrNotStarted
	}
	t.chain.enqueue(ctx, func(ctx context.Context) {
		if err := waitToken(ctx, client.Subscribe(topic, 0, nil)); err != nil {
			t.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
			return
		}
		t.logger.Info("mqtt subscribed", "topic", topic)
	})
	return nil
}

// Unsubscribe queues removal of the subscription for topic.
func (t *V311) Unsubscribe(topic string) error {
	client, ctx := t.current()
	if client == nil {
		return ErrNotStarted
	}
	t.chain.enqueue(ctx, func(ctx context.Context) {
		if err := waitToken(ctx, client.Unsubscribe(topic)); err != nil {
			t.logger.Warn("mqtt unsubscribe failed", "topic", topic, "error", err)
			return
		}
		t.logger.Info("mqtt unsubscribed", "topic", topic)
	})
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (t *V311) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	client, cancel := t.client, t.cancel
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		client.Disconnect(disconnectQuiesceMS)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt disconnect: %w", ctx.Err())
	}
}
