// Package popularity implements the offline PopularityEstimator (spec.md
// §4.7): given one room's archive file, it reconstructs a "real" audience
// size over time from chat, super-chat, and guard-purchase activity,
// independent of the live-popularity heartbeat the platform itself reports.
//
// Grounded on original_source/bin/real_popularity.rs.
package popularity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/danmuinfo"
)

const (
	window        = 5 * time.Minute
	minResolution = 5 * time.Second
)

// Point is one sample of the reconstructed popularity series.
type Point struct {
	Time       time.Time `json:"time"`
	Popularity uint32    `json:"popularity"`
}

type sendMsgEnvelope struct {
	Cmd  string `json:"cmd"`
	Data struct {
		UID biliapi.FlexUint64 `json:"uid"`
	} `json:"data"`
}

type sighting struct {
	userID uint64
	at     time.Time
}

// Estimate streams newline-delimited Packet JSON from r, keeping only
// packets for roomID, and reconstructs the popularity series: a 5-minute
// sliding window of distinct chatting/paying users, sampled at a maximum
// resolution of one point per 5 seconds.
func Estimate(r io.Reader, roomID uint64) ([]Point, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var buf []sighting
	front := 0
	counts := make(map[uint64]uint32)
	var points []Point

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		userID, at, ok, err := parseLine(line, roomID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		buf = append(buf, sighting{userID: userID, at: at})
		counts[userID]++

		cutoff := at.Add(-window)
		for front < len(buf) && buf[front].at.Before(cutoff) {
			u := buf[front].userID
			if counts[u] <= 1 {
				delete(counts, u)
			} else {
				counts[u]--
			}
			front++
		}
		if front > 4096 {
			buf = append([]sighting(nil), buf[front:]...)
			front = 0
		}

		if len(points) > 0 && points[len(points)-1].Time.After(at.Add(-minResolution)) {
			continue
		}
		points = append(points, Point{Time: at, Popularity: uint32(len(counts))})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	return points, nil
}

// parseLine extracts (user_id, time, ok) from one archive line. ok is false
// for packets that aren't SendMsgReply for roomID, or that don't carry a
// countable interaction (DANMU_MSG, SUPER_CHAT_MESSAGE, or GUARD_BUY).
func parseLine(line []byte, roomID uint64) (uint64, time.Time, bool, error) {
	var pkt biliapi.Packet
	if err := json.Unmarshal(line, &pkt); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("decode packet line: %w", err)
	}
	if pkt.RoomID != roomID || pkt.Operation != biliapi.OperationSendMsgReply {
		return 0, time.Time{}, false, nil
	}

	if danmuinfo.IsDanmuMsg(pkt.Body) {
		info, err := danmuinfo.Parse(pkt.Body)
		if err != nil {
			return 0, time.Time{}, false, nil
		}
		return info.UserID, pkt.Time, true, nil
	}

	var env sendMsgEnvelope
	if err := json.Unmarshal([]byte(pkt.Body), &env); err != nil {
		return 0, time.Time{}, false, nil
	}
	if env.Cmd != "SUPER_CHAT_MESSAGE" && env.Cmd != "GUARD_BUY" {
		return 0, time.Time{}, false, nil
	}
	return env.Data.UID.Uint64(), pkt.Time, true, nil
}
