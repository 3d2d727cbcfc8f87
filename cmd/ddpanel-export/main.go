// Command ddpanel-export extracts every DANMU_MSG chat line for one room
// from an archive file into a flat JSON array (SPEC_FULL.md §4.10).
//
// Grounded on original_source/bin/export_danmu.rs (and the near-duplicate
// original_source/bin/ddpanel-cli.rs / bin/filter.rs variants of the same
// tool).
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/pflag"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/danmuinfo"
)

// exportedMessage is the flat shape emitted for each chat line.
type exportedMessage struct {
	Text     string `json:"text"`
	UserID   uint64 `json:"user_id"`
	Username string `json:"username"`
	Time     string `json:"time"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ddpanel-export: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("ddpanel-export", pflag.ContinueOnError)
	archivePath := fs.String("archive", "", "path to a recorded archive file (.json or .json.gz)")
	roomID := fs.Uint64("room-id", 0, "room id to export DANMU_MSG lines for")
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

	messages, err := extract(reader, *roomID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	return enc.Encode(messages)
}

func extract(r io.Reader, roomID uint64) ([]exportedMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	messages := []exportedMessage{}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Cheap substring pre-filter before the full decode, matching
		// export_danmu.rs's line.contains checks.
		if !strings.Contains(string(line), "SendMsgReply") || !strings.Contains(string(line), "DANMU_MSG") {
			continue
		}

		var pkt biliapi.Packet
		if err := json.Unmarshal(line, &pkt); err != nil {
			return nil, fmt.Errorf("decode archived packet: %w", err)
		}
		if pkt.RoomID != roomID || pkt.Operation != biliapi.OperationSendMsgReply {
			continue
		}
		if !danmuinfo.IsDanmuMsg(pkt.Body) {
			continue
		}

		info, err := danmuinfo.Parse(pkt.Body)
		if err != nil {
			return nil, fmt.Errorf("decode danmu message: %w", err)
		}
		messages = append(messages, exportedMessage{
			Text:     info.Text,
			UserID:   info.UserID,
			Username: info.Username,
			Time:     info.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	return messages, nil
}
