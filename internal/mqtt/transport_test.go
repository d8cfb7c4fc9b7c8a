package mqtt

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/sensorwatch/internal/config"
	"github.com/nugget/sensorwatch/internal/connection"
	"github.com/nugget/sensorwatch/internal/connwatch"
)

func testOptions(protocol string) Options {
	cfg := config.Default().MQTT
	cfg.Protocol = protocol
	return Options{Config: cfg, ClientID: "sensorwatch-test"}
}

func TestNew_SelectsProtocol(t *testing.T) {
	t.Parallel()

	tr, err := New(testOptions(config.ProtocolV5))
	if err != nil {
		t.Fatalf("New(v5): %v", err)
	}
	if _, ok := tr.(*V5); !ok {
		t.Errorf("New(v5) = %T, want *V5", tr)
	}

	tr, err = New(testOptions(config.ProtocolV311))
	if err != nil {
		t.Fatalf("New(v311): %v", err)
	}
	if _, ok := tr.(*V311); !ok {
		t.Errorf("New(v311) = %T, want *V311", tr)
	}

	if _, err := New(testOptions("v4")); err == nil {
		t.Error("New(v4) should fail")
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	opts := testOptions(config.ProtocolV5)
	opts.ClientID = ""
	if _, err := New(opts); err == nil {
		t.Error("expected error for empty client id")
	}

	opts = testOptions(config.ProtocolV5)
	opts.Config.Broker = "localhost"
	if _, err := New(opts); err == nil || !strings.Contains(err.Error(), "no host") {
		t.Errorf("error = %v, want missing host", err)
	}
}

func TestNew_BackoffCeilingFromConfig(t *testing.T) {
	t.Parallel()
	opts := testOptions(config.ProtocolV311)
	opts.Config.ReconnectMaxSec = 7

	tr, err := NewV311(opts)
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.maxReconnectInterval(); got != 7*time.Second {
		t.Errorf("maxReconnectInterval() = %v, want 7s", got)
	}
}

func TestTransports_NotStarted(t *testing.T) {
	t.Parallel()

	v5, err := NewV5(testOptions(config.ProtocolV5))
	if err != nil {
		t.Fatal(err)
	}
	v311, err := NewV311(testOptions(config.ProtocolV311))
	if err != nil {
		t.Fatal(err)
	}

	for name, tr := range map[string]connection.Transport{"v5": v5, "v311": v311} {
		if err := tr.Subscribe("sensors/live/data"); !errors.Is(err, ErrNotStarted) {
			t.Errorf("%s Subscribe before Connect = %v, want ErrNotStarted", name, err)
		}
		if err := tr.Unsubscribe("sensors/live/data"); !errors.Is(err, ErrNotStarted) {
			t.Errorf("%s Unsubscribe before Connect = %v, want ErrNotStarted", name, err)
		}
		if err := tr.Disconnect(context.Background()); err != nil {
			t.Errorf("%s Disconnect before Connect = %v, want nil", name, err)
		}
	}
}

func TestV311_ReportsFailedRetries(t *testing.T) {
	t.Parallel()

	// A broker that accepts and immediately hangs up never sends CONNACK.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	opts := testOptions(config.ProtocolV311)
	opts.Config.Broker = "mqtt://" + ln.Addr().String()
	opts.Backoff = connwatch.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	tr, err := NewV311(opts)
	if err != nil {
		t.Fatal(err)
	}

	failures := make(chan error, 16)
	h := connection.Handlers{
		OnConnected:      func() {},
		OnConnectionLost: func(error) {},
		OnMessage:        func(string, []byte) {},
		OnConnectError: func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
	}
	if err := tr.Connect(context.Background(), h); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { tr.Disconnect(context.Background()) })

	deadline := time.After(3 * time.Second)
	for got := 0; got < 2; {
		select {
		case err := <-failures:
			if !errors.Is(err, ErrAttemptFailed) {
				t.Fatalf("OnConnectError(%v), want ErrAttemptFailed", err)
			}
			got++
		case <-deadline:
			t.Fatalf("saw %d failed retries, want 2", got)
		}
	}
}

func TestBrokerAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"mqtt://localhost:1883", "tcp://localhost:1883"},
		{"mqtts://broker.lan:8883", "ssl://broker.lan:8883"},
		{"tcp://10.0.0.2:1883", "tcp://10.0.0.2:1883"},
		{"ws://broker.lan:9001/mqtt", "ws://broker.lan:9001/mqtt"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := brokerAddress(u); got != tt.want {
			t.Errorf("brokerAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUsesTLS(t *testing.T) {
	t.Parallel()
	for scheme, want := range map[string]bool{
		"mqtt": false, "tcp": false, "ws": false,
		"mqtts": true, "ssl": true, "tls": true, "wss": true,
	} {
		if got := usesTLS(&url.URL{Scheme: scheme, Host: "h:1"}); got != want {
			t.Errorf("usesTLS(%s) = %v, want %v", scheme, got, want)
		}
	}
}

func TestRequestChain_PreservesOrder(t *testing.T) {
	t.Parallel()
	var chain requestChain
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		chain.enqueue(ctx, func(context.Context) {
			defer wg.Done()
			// Earlier requests take longer; order must still hold.
			time.Sleep(time.Duration(20-i) * 100 * time.Microsecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestRequestChain_CancelledContextSkips(t *testing.T) {
	t.Parallel()
	var chain requestChain
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan struct{}, 1)
	chain.enqueue(ctx, func(context.Context) { ran <- struct{}{} })

	select {
	case <-ran:
		t.Error("request ran after context was cancelled")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestResolveClientID(t *testing.T) {
	t.Parallel()
	dataDir := filepath.Join(t.TempDir(), "data")

	got, err := ResolveClientID("kitchen-gateway", dataDir)
	if err != nil || got != "kitchen-gateway" {
		t.Fatalf("configured id = %q, %v", got, err)
	}
	if _, err := os.Stat(dataDir); !os.IsNotExist(err) {
		t.Error("configured id should not touch the data dir")
	}

	first, err := ResolveClientID("", dataDir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	suffix, ok := strings.CutPrefix(first, "sensorwatch-")
	if !ok || len(strings.Split(suffix, "-")) != 5 {
		t.Errorf("generated id %q is not sensorwatch-<uuid>", first)
	}

	raw, err := os.ReadFile(filepath.Join(dataDir, "client_id"))
	if err != nil {
		t.Fatalf("client_id not persisted: %v", err)
	}
	if strings.TrimSpace(string(raw)) != first {
		t.Errorf("persisted %q, want %q", raw, first)
	}

	again, err := ResolveClientID("", dataDir)
	if err != nil || again != first {
		t.Errorf("second resolve = %q, %v; want stable %q", again, err, first)
	}
}
