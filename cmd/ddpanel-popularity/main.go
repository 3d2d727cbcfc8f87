// Command ddpanel-popularity is the offline PopularityEstimator tool
// (SPEC_FULL.md §4.7): given an archive file and a room id, it reconstructs
// the 5-minute sliding-window "real popularity" series and prints it as a
// single JSON array.
//
// Grounded on original_source/bin/real_popularity.rs.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/pflag"

	"github.com/gwy15/ddpanel/internal/popularity"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ddpanel-popularity: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("ddpanel-popularity", pflag.ContinueOnError)
	archivePath := fs.String("archive", "", "path to a recorded archive file (.json or .json.gz)")
	roomID := fs.Uint64("room-id", 0, "room id to reconstruct popularity for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *archivePath == "" || *roomID == 0 {
		return fmt.Errorf("both --archive and --room-id are required")
	}

	f, err := os.Open(*archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(*archivePath, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip archive: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	points, err := popularity.Estimate(reader, *roomID)
	if err != nil {
		return fmt.Errorf("estimate popularity: %w", err)
	}

	if err := json.NewEncoder(out).Encode(points); err != nil {
		return fmt.Errorf("encode points: %w", err)
	}
	return nil
}
