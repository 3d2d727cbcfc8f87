package tsdbsink

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/roomcache"
	"github.com/gwy15/ddpanel/internal/uploader"
)

// sendMsgReply mirrors the cmd/data envelope every SendMsgReply frame body
// carries (original_source/src/influx/messages/mod.rs: SendMsgReply).
type sendMsgReply struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

type superChatData struct {
	Price    uint32             `json:"price"`
	SenderID biliapi.FlexUint64 `json:"uid"`
	UName    string             `json:"uname"`
}

type sendGiftData struct {
	CoinType   string             `json:"coin_type"`
	GiftName   string             `json:"giftName"`
	PriceMilli uint32             `json:"price"`
	Num        uint32             `json:"num"`
	SenderID   biliapi.FlexUint64 `json:"uid"`
	UName      string             `json:"uname"`
	Receiver   *giftReceiver      `json:"gift_receiver"`
}

type giftReceiver struct {
	RoomID uint64 `json:"room_id"`
	UID    uint64 `json:"uid"`
	UName  string `json:"uname"`
}

type userToastMsgData struct {
	SenderID   biliapi.FlexUint64 `json:"uid"`
	PriceMilli uint32             `json:"price"`
	RoleName   string             `json:"role_name"`
	Num        uint32             `json:"num"`
}

// roomTags resolves the room_id/streamer tag pair for roomID, logging a
// warning if the cache has no entry (spec.md §9 invariant).
func roomTags(cache *roomcache.Cache, logger *zap.Logger, roomID uint64) map[string]string {
	streamer, ok := cache.StreamerOrFallback(roomID)
	if !ok {
		logger.Warn("packet references a room not in the streamer cache", zap.Uint64("room_id", roomID))
	}
	return map[string]string{
		"room_id":  strconv.FormatUint(roomID, 10),
		"streamer": streamer,
	}
}

// mapPacket turns one wire Packet into zero or more write.Points. A nil,
// nil return means the packet carries nothing worth recording (an ignored
// cmd, a DANMU_MSG routed to the internal counter instead, or a skipped
// silver gift).
func (s *Sink) mapPacket(p biliapi.Packet) ([]*write.Point, error) {
	switch p.Operation {
	case biliapi.OperationHeartbeatReply:
		return s.mapHeartbeat(p)
	case biliapi.OperationSendMsgReply:
		return s.mapSendMsgReply(p)
	default:
		return nil, nil
	}
}

func (s *Sink) mapHeartbeat(p biliapi.Packet) ([]*write.Point, error) {
	popularity, err := strconv.ParseInt(p.Body, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat popularity %q: %w", p.Body, err)
	}
	tags := roomTags(s.cache, s.logger, p.RoomID)
	pt := write.NewPoint("live-popularity", tags, map[string]interface{}{
		"popularity": popularity,
	}, p.Time)
	return []*write.Point{pt}, nil
}

func (s *Sink) mapSendMsgReply(p biliapi.Packet) ([]*write.Point, error) {
	var env sendMsgReply
	if err := json.Unmarshal([]byte(p.Body), &env); err != nil {
		return nil, fmt.Errorf("decode SendMsgReply envelope: %w", err)
	}

	switch env.Cmd {
	case "SUPER_CHAT_MESSAGE":
		return s.mapSuperChat(env.Data, p)
	case "SEND_GIFT":
		return s.mapSendGift(env.Data, p)
	case "USER_TOAST_MSG":
		return s.mapUserToastMsg(env.Data, p)
	case "DANMU_MSG":
		s.danmu.count(p.RoomID, p.Time)
		return nil, nil
	default:
		// SUPER_CHAT_MESSAGE_JPN and anything else the upstream emits is
		// ignored: the JPN variant is a duplicate translation of a chat
		// already counted under SUPER_CHAT_MESSAGE and would double-bill.
		return nil, nil
	}
}

func (s *Sink) mapSuperChat(data json.RawMessage, p biliapi.Packet) ([]*write.Point, error) {
	var sc superChatData
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode SuperChat: %w", err)
	}
	tags := roomTags(s.cache, s.logger, p.RoomID)
	tags["type"] = "superchat"
	tags["gift_name"] = "superchat"
	tags["sender"] = strconv.FormatUint(sc.SenderID.Uint64(), 10)
	tags["sender_name"] = sc.UName
	pt := write.NewPoint("live-gift", tags, map[string]interface{}{
		"price": float64(sc.Price),
	}, p.Time)
	return []*write.Point{pt}, nil
}

func (s *Sink) mapSendGift(data json.RawMessage, p biliapi.Packet) ([]*write.Point, error) {
	var g sendGiftData
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode SendGift: %w", err)
	}
	if g.CoinType == "silver" {
		// Silver gifts are free; the upstream protocol still reports them
		// as an event but they carry no billable value and are skipped
		// entirely rather than recorded under a "free" type tag.
		return nil, nil
	}

	roomID := p.RoomID
	if g.Receiver != nil {
		roomID = g.Receiver.RoomID
	}
	tags := roomTags(s.cache, s.logger, roomID)
	tags["type"] = "gift"
	tags["gift_name"] = g.GiftName
	tags["sender"] = strconv.FormatUint(g.SenderID.Uint64(), 10)
	tags["sender_name"] = g.UName

	price := float64(g.PriceMilli) * float64(g.Num) * 0.001
	pt := write.NewPoint("live-gift", tags, map[string]interface{}{
		"num":   int64(g.Num),
		"price": price,
	}, p.Time)
	return []*write.Point{pt}, nil
}

func (s *Sink) mapUserToastMsg(data json.RawMessage, p biliapi.Packet) ([]*write.Point, error) {
	var m userToastMsgData
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode UserToastMsg: %w", err)
	}
	tags := roomTags(s.cache, s.logger, p.RoomID)
	tags["type"] = "guard"
	tags["gift_name"] = m.RoleName
	tags["sender"] = strconv.FormatUint(m.SenderID.Uint64(), 10)

	// price_milli is the already-total price for the whole purchase; unlike
	// SendGift it is not multiplied by num (an upstream quirk: num here
	// counts guard-months, not repeated unit purchases).
	price := float64(m.PriceMilli) * 0.001
	pt := write.NewPoint("live-gift", tags, map[string]interface{}{
		"num":   int64(m.Num),
		"price": price,
	}, p.Time)
	return []*write.Point{pt}, nil
}

func danmuPoint(cache *roomcache.Cache, roomID uint64, t time.Time, count uint32) *write.Point {
	streamer, _ := cache.StreamerOrFallback(roomID)
	tags := map[string]string{
		"room_id":  strconv.FormatUint(roomID, 10),
		"streamer": streamer,
	}
	return write.NewPoint("live-popularity", tags, map[string]interface{}{
		"danmu": int64(count),
	}, t)
}

// mapSnapshot transforms an uploader poll result into a bili-info point.
func mapSnapshot(snap uploader.Snapshot) *write.Point {
	tags := map[string]string{"uploader": strconv.FormatUint(snap.UID, 10)}
	fields := map[string]interface{}{}
	switch d := snap.Data.(type) {
	case uploader.UserInfoData:
		fields["followers"] = int64(d.Followers)
	case uploader.UploaderStatData:
		fields["video_views"] = int64(d.VideoViews)
		fields["article_views"] = int64(d.ArticleViews)
		fields["likes"] = int64(d.Likes)
	}
	return write.NewPoint("bili-info", tags, fields, snap.Time)
}
