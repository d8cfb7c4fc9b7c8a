package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/sensorwatch/internal/config"
)

// zeroUmask makes created file modes exactly what was requested.
func zeroUmask(t *testing.T) {
	t.Helper()
	prev := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(prev) })
}

func TestRunInit_Workspace(t *testing.T) {
	zeroUmask(t)
	root := t.TempDir()

	var log bytes.Buffer
	if err := runInit(&log, root); err != nil {
		t.Fatalf("init: %v", err)
	}

	if fi, err := os.Stat(filepath.Join(root, "data")); err != nil || !fi.IsDir() {
		t.Fatalf("data dir missing (err=%v)", err)
	}

	cfgPath := filepath.Join(root, "config.yaml")
	fi, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml missing: %v", err)
	}
	// Broker credentials live here.
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("config.yaml mode = %o, want 600", fi.Mode().Perm())
	}
	if !strings.Contains(log.String(), "✓ "+cfgPath) {
		t.Errorf("init output does not report %s: %q", cfgPath, log.String())
	}
	if !strings.Contains(log.String(), "sensorwatch serve") {
		t.Errorf("init output missing next step: %q", log.String())
	}
}

// The shipped example config must load with the documented defaults.
func TestRunInit_ExampleConfigDefaults(t *testing.T) {
	root := t.TempDir()
	if err := runInit(&bytes.Buffer{}, root); err != nil {
		t.Fatalf("init: %v", err)
	}

	cfg, err := config.Load(filepath.Join(root, "config.yaml"))
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	switch {
	case cfg.MQTT.Broker != "mqtt://localhost:1883":
		t.Errorf("broker = %q", cfg.MQTT.Broker)
	case len(cfg.MQTT.Topics) != 1 || cfg.MQTT.Topics[0] != "sensors/live/data":
		t.Errorf("topics = %v", cfg.MQTT.Topics)
	case !cfg.Alerts.Rearm():
		t.Error("example config disables re-arm on recovery")
	case cfg.Alerts.PersistAcknowledgments:
		t.Error("example config persists acknowledgments")
	}
}

func TestRunInit_KeepsEditedConfig(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "config.yaml")
	edited := []byte("mqtt:\n  broker: mqtt://broker.lan:1883\n")
	if err := os.WriteFile(cfgPath, edited, 0o600); err != nil {
		t.Fatal(err)
	}

	var log bytes.Buffer
	if err := runInit(&log, root); err != nil {
		t.Fatalf("init over existing workspace: %v", err)
	}
	if !strings.Contains(log.String(), "exists, skipping") {
		t.Errorf("output = %q, want skip notice", log.String())
	}
	if got, _ := os.ReadFile(cfgPath); !bytes.Equal(got, edited) {
		t.Errorf("config.yaml rewritten to %q", got)
	}
}

func TestWriteIfMissing(t *testing.T) {
	zeroUmask(t)
	content := []byte("mqtt:\n  topics: [sensors/live/data]\n")

	tests := []struct {
		name     string
		existing string
		mode     os.FileMode
		wantOut  string
		wantBody string
	}{
		{name: "private", mode: 0o600, wantOut: "✓", wantBody: string(content)},
		{name: "world readable", mode: 0o644, wantOut: "✓", wantBody: string(content)},
		{name: "existing", existing: "keep me", mode: 0o600, wantOut: "exists, skipping", wantBody: "keep me"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.yaml")
			if tt.existing != "" {
				if err := os.WriteFile(path, []byte(tt.existing), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			var log bytes.Buffer
			if err := writeIfMissing(&log, path, content, tt.mode); err != nil {
				t.Fatalf("writeIfMissing: %v", err)
			}
			if !strings.Contains(log.String(), tt.wantOut) {
				t.Errorf("output = %q, want %q", log.String(), tt.wantOut)
			}
			body, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if tt.existing == "" {
				if fi, _ := os.Stat(path); fi.Mode().Perm() != tt.mode {
					t.Errorf("mode = %o, want %o", fi.Mode().Perm(), tt.mode)
				}
			}
		})
	}
}

func TestWriteIfMissing_ParentIsFile(t *testing.T) {
	notDir := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(notDir, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	err := writeIfMissing(&bytes.Buffer{}, filepath.Join(notDir, "config.yaml"), []byte("x"), 0o600)
	if err == nil || !strings.Contains(err.Error(), "create ") {
		t.Fatalf("err = %v, want create failure", err)
	}
}
