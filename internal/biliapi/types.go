// Package biliapi is the thin HTTP/WebSocket client for the upstream
// Bilibili live wire protocol. spec.md §1 calls this client "out of scope"
// for the collector's core logic: the interesting engineering is in how the
// rest of the module consumes framed Packets, not in how those packets are
// obtained. This package exists only so the module has something concrete
// to consume; its shape is grounded on the retrieval pack's own bilibili
// danmu client (other_examples/.../MatchaCake-bilibili_dm_lib).
package biliapi

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation tags the kind of frame a Packet carries. The wire protocol
// itself uses small integers; LiveConnection translates those into this
// closed set of string constants so callers can switch exhaustively.
type Operation string

const (
	OperationSendMsgReply   Operation = "SendMsgReply"
	OperationHeartbeatReply Operation = "HeartbeatReply"
	OperationUnknown        Operation = "Unknown"
)

// Packet is the unit published on the packet broadcast (spec.md §3).
type Packet struct {
	RoomID    uint64    `json:"room_id"`
	Time      time.Time `json:"time"`
	Operation Operation `json:"operation"`
	Body      string    `json:"body"`
}

// FlexUint64 decodes a uid-shaped field that the upstream API sends
// inconsistently as either a JSON number or a JSON string (spec.md §9(c)).
type FlexUint64 uint64

func (u *FlexUint64) UnmarshalJSON(data []byte) error {
	var asNumber uint64
	if err := json.Unmarshal(data, &asNumber); err == nil {
		*u = FlexUint64(asNumber)
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("uid is neither number nor string: %w", err)
	}
	var parsed uint64
	if _, err := fmt.Sscanf(asString, "%d", &parsed); err != nil {
		return fmt.Errorf("uid string %q is not numeric: %w", asString, err)
	}
	*u = FlexUint64(parsed)
	return nil
}

func (u FlexUint64) Uint64() uint64 { return uint64(u) }

// RoomInfo is the subset of InfoByRoom's response the collector needs.
type RoomInfo struct {
	RoomID   uint64 `json:"room_id"`
	Streamer string `json:"streamer"`
}

// DanmuServer describes one live-connection endpoint returned by DanmuInfo.
type DanmuServer struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s DanmuServer) URL() string {
	return fmt.Sprintf("wss://%s:%d/sub", s.Host, s.Port)
}

// DanmuInfo is the response of the upstream DanmuInfo request: live-server
// endpoints plus a short-lived auth token.
type DanmuInfo struct {
	Token   string        `json:"token"`
	Servers []DanmuServer `json:"servers"`
}

// UserInfo is the subset of the upstream user-info response used for the
// bili-info "followers" field.
type UserInfo struct {
	UID       uint64 `json:"uid"`
	Username  string `json:"username"`
	Followers uint64 `json:"followers"`
}

// UploaderStat is the subset of the upstream uploader-stats response used
// for the bili-info video/article/likes fields.
type UploaderStat struct {
	VideoViews   uint64 `json:"video_views"`
	ArticleViews uint64 `json:"article_views"`
	Likes        uint64 `json:"likes"`
}
