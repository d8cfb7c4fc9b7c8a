package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/sensorwatch/internal/opstate"
)

// stateDBName is the operational state database under data_dir.
const stateDBName = "sensorwatch.db"

// ackEntry is one persisted acknowledgment as printed by "acks".
type ackEntry struct {
	ID             string    `json:"id"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// runAcks inspects or edits the persisted acknowledgment set:
//
//	acks [list]       list acknowledged sensor ids
//	acks remove <id>  re-arm one sensor
//	acks clear        re-arm every sensor
//
// A running server reads the set only at startup, so edits take effect
// on the next start.
func runAcks(w io.Writer, configPath, outputFmt string, args []string) error {
	action := "list"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "list", "clear":
		if len(args) > 1 {
			return fmt.Errorf("usage: sensorwatch acks %s", action)
		}
	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: sensorwatch acks remove <id>")
		}
	default:
		return fmt.Errorf("unknown acks action: %s (expected list, remove or clear)", action)
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.DataDir, stateDBName)
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		// Nothing was ever persisted.
		switch action {
		case "list":
			return printAcks(w, outputFmt, nil)
		case "remove":
			return fmt.Errorf("sensor %q is not acknowledged", args[1])
		}
		fmt.Fprintf(w, "no persisted acknowledgments in %s\n", cfg.DataDir)
		return nil
	}

	state, err := opstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer state.Close()
	acks := state.KeySet(ackNamespace)

	switch action {
	case "remove":
		id := args[1]
		ok, err := acks.Contains(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("sensor %q is not acknowledged", id)
		}
		if err := acks.Remove(id); err != nil {
			return err
		}
		fmt.Fprintf(w, "re-armed %s\n", id)
		return nil
	case "clear":
		ids, err := acks.Members()
		if err != nil {
			return err
		}
		if err := acks.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(w, "re-armed %d sensors\n", len(ids))
		return nil
	}

	ids, err := acks.Members()
	if err != nil {
		return err
	}
	entries := make([]ackEntry, 0, len(ids))
	for _, id := range ids {
		at, _, err := acks.AddedAt(id)
		if err != nil {
			return err
		}
		entries = append(entries, ackEntry{ID: id, AcknowledgedAt: at})
	}
	return printAcks(w, outputFmt, entries)
}

func printAcks(w io.Writer, outputFmt string, entries []ackEntry) error {
	if outputFmt == "json" {
		if entries == nil {
			entries = []ackEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no acknowledged sensors")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%-24s %s\n", e.ID, e.AcknowledgedAt.Format(time.RFC3339))
	}
	return nil
}
