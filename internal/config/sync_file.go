package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/go-party-sync/internal/eventmgr"
)

// LoadSyncFile overlays the YAML document at path onto base. Keys absent
// from the file keep their base value; unknown keys are rejected.
//
//	rate_limit:
//	  actor:
//	    per_second: 5
//	dedup:
//	  window: 10m
//	reconnect:
//	  max_attempts: 20
func LoadSyncFile(path string, base eventmgr.Config) (eventmgr.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read sync config: %w", err)
	}
	out := base
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse sync config %s: %w", path, err)
	}
	if err := validateSync(out); err != nil {
		return base, fmt.Errorf("sync config %s: %w", path, err)
	}
	return out, nil
}

func validateSync(c eventmgr.Config) error {
	switch {
	case c.Dedup.Window <= 0:
		return errors.New("dedup.window must be > 0")
	case c.Dedup.Capacity <= 0:
		return errors.New("dedup.capacity must be > 0")
	case c.Dedup.OrderingWindow < 0:
		return errors.New("dedup.ordering_window must be >= 0")
	case c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1:
		return errors.New("reconnect.multiplier must be >= 1")
	case c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1:
		return errors.New("reconnect.jitter must be in [0,1]")
	case c.Fallback.QueueMaxSize < 0:
		return errors.New("fallback.queue_max_size must be >= 0")
	case c.Broadcast.Debounce < 0:
		return errors.New("broadcast.debounce must be >= 0")
	}
	return nil
}
