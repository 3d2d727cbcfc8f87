// Package danmuinfo decodes the DANMU_MSG payload's positional tuple shape
// into named fields. The upstream wire format encodes a chat message as a
// long, mostly-unused JSON array rather than an object; this package picks
// out the three positions the rest of the module actually needs.
//
// Grounded on original_source/bin/filter.rs's inline DanmuMsg Deserialize
// impl, which is duplicated near-verbatim across filter.rs, export_danmu.rs
// and ddpanel-cli.rs in the original source tree.
package danmuinfo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Info is one decoded chat message.
type Info struct {
	Text     string
	UserID   uint64
	Username string
	Time     time.Time
}

// body mirrors the outer {"cmd": "...", "info": [...]} envelope.
type body struct {
	Cmd  string            `json:"cmd"`
	Info []json.RawMessage `json:"info"`
}

const (
	infoMinLength = 3

	// Positions within info[0], the metadata tuple.
	metaTimestampIndex = 4

	// Positions within info[2], the sender tuple.
	senderUIDIndex  = 0
	senderNameIndex = 1
)

// IsDanmuMsg reports whether body looks like a DANMU_MSG envelope, without
// fully decoding it. Cheap enough to call before the more expensive Parse.
func IsDanmuMsg(rawBody string) bool {
	var b body
	if err := json.Unmarshal([]byte(rawBody), &b); err != nil {
		return false
	}
	return b.Cmd == "DANMU_MSG"
}

// Parse decodes a DANMU_MSG frame body (Packet.Body) into an Info. It
// returns an error if the cmd isn't DANMU_MSG or the tuple shape doesn't
// match what the upstream protocol sends.
func Parse(rawBody string) (Info, error) {
	var b body
	if err := json.Unmarshal([]byte(rawBody), &b); err != nil {
		return Info{}, fmt.Errorf("decode danmu envelope: %w", err)
	}
	if b.Cmd != "DANMU_MSG" {
		return Info{}, fmt.Errorf("not a DANMU_MSG: cmd=%q", b.Cmd)
	}
	if len(b.Info) < infoMinLength {
		return Info{}, fmt.Errorf("info tuple too short: got %d elements", len(b.Info))
	}

	var meta []json.RawMessage
	if err := json.Unmarshal(b.Info[0], &meta); err != nil {
		return Info{}, fmt.Errorf("decode metadata tuple: %w", err)
	}
	if len(meta) <= metaTimestampIndex {
		return Info{}, fmt.Errorf("metadata tuple too short: got %d elements", len(meta))
	}
	var timestampMs int64
	if err := json.Unmarshal(meta[metaTimestampIndex], &timestampMs); err != nil {
		return Info{}, fmt.Errorf("decode metadata timestamp: %w", err)
	}

	var text string
	if err := json.Unmarshal(b.Info[1], &text); err != nil {
		return Info{}, fmt.Errorf("decode message text: %w", err)
	}

	var sender []json.RawMessage
	if err := json.Unmarshal(b.Info[2], &sender); err != nil {
		return Info{}, fmt.Errorf("decode sender tuple: %w", err)
	}
	if len(sender) <= senderNameIndex {
		return Info{}, fmt.Errorf("sender tuple too short: got %d elements", len(sender))
	}
	var userID uint64
	if err := json.Unmarshal(sender[senderUIDIndex], &userID); err != nil {
		return Info{}, fmt.Errorf("decode sender uid: %w", err)
	}
	var username string
	if err := json.Unmarshal(sender[senderNameIndex], &username); err != nil {
		return Info{}, fmt.Errorf("decode sender username: %w", err)
	}

	return Info{
		Text:     text,
		UserID:   userID,
		Username: username,
		Time:     time.UnixMilli(timestampMs),
	}, nil
}
