package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/nugget/sensorwatch/internal/config"
	"github.com/nugget/sensorwatch/internal/connection"
	"github.com/nugget/sensorwatch/internal/connwatch"
	"github.com/nugget/sensorwatch/internal/events"
)

var (
	// ErrNotStarted is returned by Subscribe and Unsubscribe before
	// Connect has been called.
	ErrNotStarted = errors.New("mqtt transport not started")
	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("mqtt transport already started")
	// ErrConnectTimeout is reported when a handshake does not complete
	// within the configured timeout.
	ErrConnectTimeout = errors.New("mqtt connect timed out")
	// ErrAttemptFailed is reported by the v3.1.1 transport when a
	// background retry starts without the previous attempt connecting.
	ErrAttemptFailed = errors.New("mqtt connect attempt failed")
)

// requestTimeout bounds a single subscribe or unsubscribe round trip.
const requestTimeout = 10 * time.Second

// Options configures a transport.
type Options struct {
	Config   config.MQTTConfig
	ClientID string
	Backoff  connwatch.Backoff
	Logger   *slog.Logger
	Bus      *events.Bus
}

func (o *Options) normalize() (*url.URL, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ClientID == "" {
		return nil, errors.New("mqtt client id is required")
	}
	if o.Backoff.Max <= 0 && o.Config.ReconnectMaxSec > 0 {
		o.Backoff.Max = o.Config.ReconnectMax()
	}
	u, err := url.Parse(o.Config.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mqtt broker URL %q has no host", o.Config.Broker)
	}
	return u, nil
}

func (o *Options) gate() *inboundGate {
	limit := o.Config.RateLimit
	if limit <= 0 {
		limit = 100
	}
	return newInboundGate(limit, time.Second, o.Logger, o.Bus)
}

// New returns the transport for the configured protocol version.
func New(opts Options) (connection.Transport, error) {
	switch opts.Config.Protocol {
	case "", config.ProtocolV5:
		return NewV5(opts)
	case config.ProtocolV311:
		return NewV311(opts)
	default:
		return nil, fmt.Errorf("unsupported mqtt protocol %q", opts.Config.Protocol)
	}
}

// usesTLS reports whether the broker scheme asks for TLS.
func usesTLS(u *url.URL) bool {
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "wss":
		return true
	}
	return false
}

// requestChain runs broker requests one at a time, in call order, off
// the caller's goroutine.
type requestChain struct {
	mu   sync.Mutex
	last chan struct{}
}

func (c *requestChain) enqueue(ctx context.Context, fn func(context.Context)) {
	c.mu.Lock()
	prev := c.last
	done := make(chan struct{})
	c.last = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		fn(rctx)
	}()
}
