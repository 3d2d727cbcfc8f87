// Package config resolves CLI flags and environment variables into the
// settings the collector needs to start.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Env holds the settings sourced from the environment (spec.md §6).
type Env struct {
	InfluxToken string `env:"INFLUX_TOKEN"`
	InfluxAddr  string `env:"INFLUX_ADDR" envDefault:"127.0.0.1:8086"`
}

// Flags holds the settings sourced from CLI arguments (spec.md §6).
type Flags struct {
	RecordOutput string
	NoFile       bool
	NoInflux     bool
	Replay       string
	ReplayDelay  int
	Watch        string
	CookieFile   string
	RoomIDs      []uint64
}

// Config is the fully-resolved runtime configuration.
type Config struct {
	Env
	Flags
}

// ParseFlags defines and parses the collector's CLI flags. It does not read
// os.Args itself so tests can pass an arbitrary *pflag.FlagSet-backed slice.
func ParseFlags(args []string) (Flags, error) {
	fs := pflag.NewFlagSet("ddpanel", pflag.ContinueOnError)

	recordOutput := fs.String("record-output", "recorded-%.json.gz", "archive file path template (% -> local date)")
	noFile := fs.Bool("no-file", false, "disable the file sink")
	noInflux := fs.Bool("no-influx", false, "disable the TSDB sink")
	replay := fs.String("replay", "", "replay an archive file instead of connecting live")
	replayDelay := fs.Int("replay-delay", 100, "milliseconds to sleep between replay progress batches")
	watch := fs.String("watch", "watch_rooms", "path to the roster TOML file")
	cookieFile := fs.String("cookie-file", "cookies.json", "path to the persisted uploader-poller cookie jar")
	roomIDs := fs.String("room-ids", "", "comma-separated ad-hoc room id list; bypasses the roster file")

	if err := fs.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("parse flags: %w", err)
	}

	parsedRoomIDs, err := parseRoomIDs(*roomIDs)
	if err != nil {
		return Flags{}, err
	}

	f := Flags{
		RecordOutput: *recordOutput,
		NoFile:       *noFile,
		NoInflux:     *noInflux,
		Replay:       *replay,
		ReplayDelay:  *replayDelay,
		Watch:        *watch,
		CookieFile:   *cookieFile,
		RoomIDs:      parsedRoomIDs,
	}

	// Replay mode implies no-file: a replay would otherwise re-record every
	// replayed packet, appending duplicates to the archive (spec.md §6).
	if f.Replay != "" {
		f.NoFile = true
	}
	return f, nil
}

// Load loads .env (best-effort), parses CLI flags, and validates that
// INFLUX_TOKEN is present unless the TSDB sink is disabled.
func Load(args []string, logger *zap.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using process environment only")
	}

	var e Env
	if err := env.Parse(&e); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	flags, err := ParseFlags(args)
	if err != nil {
		return Config{}, err
	}

	if !flags.NoInflux && e.InfluxToken == "" {
		return Config{}, fmt.Errorf("INFLUX_TOKEN is required unless --no-influx is set")
	}

	return Config{Env: e, Flags: flags}, nil
}

func parseRoomIDs(raw string) ([]uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --room-ids entry %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
