package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/sensorwatch/internal/opstate"
)

// ackFixture writes a config pointing data_dir at a temp directory and
// seeds the acknowledgment set with ids.
func ackFixture(t *testing.T, ids ...string) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfgPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("data_dir: "+dataDir+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if len(ids) == 0 {
		return cfgPath, dataDir
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	state, err := opstate.NewStore(filepath.Join(dataDir, stateDBName))
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()
	for _, id := range ids {
		if err := state.KeySet(ackNamespace).Add(id); err != nil {
			t.Fatal(err)
		}
	}
	return cfgPath, dataDir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, args)
	return out.String(), err
}

func TestAcks_ListEmpty(t *testing.T) {
	t.Parallel()
	cfgPath, dataDir := ackFixture(t)

	out, err := runCmd(t, "-config", cfgPath, "acks")
	if err != nil {
		t.Fatalf("acks: %v", err)
	}
	if !strings.Contains(out, "no acknowledged sensors") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(dataDir); !os.IsNotExist(err) {
		t.Errorf("listing should not create the data dir, stat err = %v", err)
	}

	out, err = runCmd(t, "-config", cfgPath, "-o", "json", "acks", "list")
	if err != nil {
		t.Fatalf("acks list json: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("json output = %q, want []", out)
	}
}

func TestAcks_List(t *testing.T) {
	t.Parallel()
	cfgPath, _ := ackFixture(t, "temp-01", "gas-main")

	out, err := runCmd(t, "-config", cfgPath, "-o", "json", "acks")
	if err != nil {
		t.Fatalf("acks: %v", err)
	}
	var entries []ackEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("output not JSON: %v\n%s", err, out)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %s", len(entries), out)
	}
	if entries[0].ID != "gas-main" || entries[1].ID != "temp-01" {
		t.Errorf("ids = %q, %q; want sorted gas-main, temp-01", entries[0].ID, entries[1].ID)
	}
	for _, e := range entries {
		if e.AcknowledgedAt.IsZero() {
			t.Errorf("%s has zero acknowledged_at", e.ID)
		}
	}

	out, err = runCmd(t, "-config", cfgPath, "acks")
	if err != nil {
		t.Fatalf("acks text: %v", err)
	}
	if !strings.Contains(out, "gas-main") || !strings.Contains(out, "temp-01") {
		t.Errorf("text output = %q", out)
	}
}

func TestAcks_Remove(t *testing.T) {
	t.Parallel()
	cfgPath, dataDir := ackFixture(t, "temp-01", "gas-main")

	out, err := runCmd(t, "-config", cfgPath, "acks", "remove", "gas-main")
	if err != nil {
		t.Fatalf("acks remove: %v", err)
	}
	if !strings.Contains(out, "re-armed gas-main") {
		t.Errorf("output = %q", out)
	}

	if _, err := runCmd(t, "-config", cfgPath, "acks", "remove", "gas-main"); err == nil ||
		!strings.Contains(err.Error(), "not acknowledged") {
		t.Errorf("second remove error = %v, want not acknowledged", err)
	}

	state, err := opstate.NewStore(filepath.Join(dataDir, stateDBName))
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()
	ids, err := state.KeySet(ackNamespace).Members()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "temp-01" {
		t.Errorf("remaining = %v, want [temp-01]", ids)
	}
}

func TestAcks_Clear(t *testing.T) {
	t.Parallel()
	cfgPath, _ := ackFixture(t, "temp-01", "gas-main", "motion-hall")

	out, err := runCmd(t, "-config", cfgPath, "acks", "clear")
	if err != nil {
		t.Fatalf("acks clear: %v", err)
	}
	if !strings.Contains(out, "re-armed 3 sensors") {
		t.Errorf("output = %q", out)
	}

	out, err = runCmd(t, "-config", cfgPath, "acks")
	if err != nil {
		t.Fatalf("acks: %v", err)
	}
	if !strings.Contains(out, "no acknowledged sensors") {
		t.Errorf("after clear output = %q", out)
	}
}

func TestAcks_Errors(t *testing.T) {
	t.Parallel()
	cfgPath, _ := ackFixture(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown action", []string{"acks", "purge"}, "unknown acks action"},
		{"remove arity", []string{"acks", "remove"}, "usage: sensorwatch acks remove"},
		{"clear arity", []string{"acks", "clear", "extra"}, "usage: sensorwatch acks clear"},
		{"remove without database", []string{"acks", "remove", "gas-main"}, `sensor "gas-main" is not acknowledged`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := runCmd(t, append([]string{"-config", cfgPath}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}
