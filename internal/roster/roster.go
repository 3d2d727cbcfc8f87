// Package roster watches the TOML roster file and emits diffed updates.
package roster

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

const reloadInterval = 10 * time.Second

// Config is the parsed roster file contents (spec.md §3: RosterConfig).
// Equality is set equality, so Watch compares via Equal rather than
// struct equality (map iteration order is irrelevant, field order is not).
type Config struct {
	LiveRooms map[uint64]struct{}
	Users     map[uint64]struct{}
}

// rawConfig mirrors the TOML schema: `live_rooms = [...]`, `users = [...]`.
type rawConfig struct {
	LiveRooms []uint64 `toml:"live_rooms"`
	Users     []uint64 `toml:"users"`
}

func newConfig(raw rawConfig) Config {
	c := Config{
		LiveRooms: make(map[uint64]struct{}, len(raw.LiveRooms)),
		Users:     make(map[uint64]struct{}, len(raw.Users)),
	}
	for _, id := range raw.LiveRooms {
		c.LiveRooms[id] = struct{}{}
	}
	for _, id := range raw.Users {
		c.Users[id] = struct{}{}
	}
	return c
}

// Equal reports whether two configs describe the same room/user sets.
func (c Config) Equal(other Config) bool {
	return setEqual(c.LiveRooms, other.LiveRooms) && setEqual(c.Users, other.Users)
}

func setEqual(a, b map[uint64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func parseFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read roster file: %w", err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse roster TOML: %w", err)
	}
	return newConfig(raw), nil
}

// Watch polls path every 10 seconds, sending a Config on the returned
// channel (capacity 5) whenever it differs from the last one sent. The
// first successful parse is always sent. Parse errors after the first
// successful load are logged and ignored for that cycle; a first-load
// failure is fatal and returned as an error without starting the loop
// (spec.md §7: "configuration file unreadable on first load only").
//
// The channel is closed when ctx is cancelled, which Manager treats as the
// signal to begin graceful shutdown.
func Watch(ctx context.Context, path string, logger *zap.Logger) (<-chan Config, error) {
	initial, err := parseFile(path)
	if err != nil {
		return nil, fmt.Errorf("initial roster load: %w", err)
	}

	updates := make(chan Config, 5)
	go func() {
		defer close(updates)

		last := initial
		select {
		case updates <- last:
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(reloadInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cfg, err := parseFile(path)
				if err != nil {
					logger.Warn("roster reload failed, keeping previous roster", zap.Error(err))
					continue
				}
				if cfg.Equal(last) {
					continue
				}
				last = cfg
				select {
				case updates <- cfg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return updates, nil
}
