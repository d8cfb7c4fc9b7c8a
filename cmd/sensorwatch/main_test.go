package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{nil, {"-h"}, {"--help"}, {"serve", "-help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: sensorwatch") {
			t.Errorf("run(%v) output missing usage: %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"--verbose"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"classify arity", []string{"classify", "gas"}, "usage: sensorwatch classify"},
		{"classify value", []string{"classify", "gas", "lots"}, "invalid value"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil {
				t.Fatalf("run(%v) succeeded, want error containing %q", tt.args, tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	t.Parallel()

	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(text.String(), "sensorwatch ") {
		t.Errorf("text output = %q", text.String())
	}
	if !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text output missing go_version: %q", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("version json output not JSON: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Error("version field empty")
	}
}

func TestRun_Classify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind, value string
		want        string
	}{
		{"temperature", "22", "SAFE"},
		{"Temperature", "10", "WARNING"},
		{"temperature", "-3", "UNSAFE"},
		{"humidity", "65", "WARNING"},
		{"gas", "35", "WARNING"},
		{"gas", "51", "UNSAFE"},
		{"motion", "1", "UNSAFE"},
		{"distance", "5", "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"_"+tt.value, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := run(context.Background(), &out, &out, []string{"classify", tt.kind, tt.value}); err != nil {
				t.Fatalf("classify: %v", err)
			}
			if got := strings.TrimSpace(out.String()); got != tt.want {
				t.Errorf("classify %s %s = %q, want %q", tt.kind, tt.value, got, tt.want)
			}
		})
	}
}

func TestRun_ClassifyWithConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := `
thresholds:
  gas:
    - {status: UNSAFE, op: above, threshold: 20}
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", path, "-o", "json", "classify", "gas", "25"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	var got struct {
		Type   string  `json:"type"`
		Value  float64 `json:"value"`
		Status string  `json:"status"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output not JSON: %v\n%s", err, out.String())
	}
	if got.Type != "Gas" || got.Value != 25 || got.Status != "UNSAFE" {
		t.Errorf("classify = %+v", got)
	}
}

func TestRun_ServeInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mqtt:\n  protocol: v4\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config=" + path, "serve"})
	if err == nil || !strings.Contains(err.Error(), "mqtt.protocol") {
		t.Fatalf("serve error = %v, want mqtt.protocol validation failure", err)
	}
}
