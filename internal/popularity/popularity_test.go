package popularity

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gwy15/ddpanel/internal/biliapi"
)

const roomID = 42

func line(uid uint64, t time.Time, cmd string) string {
	body := fmt.Sprintf(`{"cmd":%q,"data":{"uid":%d}}`, cmd, uid)
	pkt := biliapi.Packet{
		RoomID:    roomID,
		Time:      t,
		Operation: biliapi.OperationSendMsgReply,
		Body:      body,
	}
	b, _ := marshalPacket(pkt)
	return string(b)
}

func marshalPacket(p biliapi.Packet) ([]byte, error) {
	return json.Marshal(p)
}

func at(seconds int) time.Time {
	return time.Unix(1_700_000_000, 0).Add(time.Duration(seconds) * time.Second)
}

// TestEstimatePopularityWindowScenario reproduces End-to-End Scenario 6:
// users [A@0s, B@60s, A@240s, C@301s] with 60s+ gaps (well above the 5s
// minimum resolution) should trace [1, 2, 2, 3]. At 301s, A's 0s sighting
// has expired from the 5-minute window but its 240s sighting has not, so
// the distinct-user count is {A, B, C} = 3, not 2.
func TestEstimatePopularityWindowScenario(t *testing.T) {
	lines := []string{
		line(1, at(0), "SUPER_CHAT_MESSAGE"),
		line(2, at(60), "SUPER_CHAT_MESSAGE"),
		line(1, at(240), "SUPER_CHAT_MESSAGE"),
		line(3, at(301), "SUPER_CHAT_MESSAGE"),
	}
	points, err := Estimate(strings.NewReader(strings.Join(lines, "\n")), roomID)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	want := []uint32{1, 2, 2, 3}
	if len(points) != len(want) {
		t.Fatalf("expected %d points, got %d: %+v", len(want), len(points), points)
	}
	for i, p := range points {
		if p.Popularity != want[i] {
			t.Fatalf("point %d: expected popularity %d, got %d", i, want[i], p.Popularity)
		}
	}
}

func TestEstimateBoundary299SecondsKeepsBothUsers(t *testing.T) {
	lines := []string{
		line(1, at(0), "GUARD_BUY"),
		line(2, at(299), "GUARD_BUY"),
	}
	points, err := Estimate(strings.NewReader(strings.Join(lines, "\n")), roomID)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if len(points) != 2 || points[1].Popularity != 2 {
		t.Fatalf("expected second point popularity=2, got %+v", points)
	}
}

func TestEstimateBoundary301SecondsExpiresFirstUser(t *testing.T) {
	lines := []string{
		line(1, at(0), "GUARD_BUY"),
		line(2, at(301), "GUARD_BUY"),
	}
	points, err := Estimate(strings.NewReader(strings.Join(lines, "\n")), roomID)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if len(points) != 2 || points[1].Popularity != 1 {
		t.Fatalf("expected second point popularity=1, got %+v", points)
	}
}

func TestEstimateIgnoresOtherRoomsAndCmds(t *testing.T) {
	otherRoom := biliapi.Packet{RoomID: roomID + 1, Time: at(0), Operation: biliapi.OperationSendMsgReply, Body: `{"cmd":"SUPER_CHAT_MESSAGE","data":{"uid":1}}`}
	b, _ := marshalPacket(otherRoom)
	ignoredCmd := line(1, at(1), "SEND_GIFT")
	points, err := Estimate(strings.NewReader(string(b)+"\n"+ignoredCmd), roomID)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("expected no points, got %+v", points)
	}
}

func TestEstimateMinResolutionSuppressesRapidPoints(t *testing.T) {
	lines := []string{
		line(1, at(0), "GUARD_BUY"),
		line(2, at(2), "GUARD_BUY"),
	}
	points, err := Estimate(strings.NewReader(strings.Join(lines, "\n")), roomID)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected the second point (2s later) to be suppressed, got %+v", points)
	}
}

func TestEstimateDanmuMsgIntegration(t *testing.T) {
	danmuBody := `{"cmd":"DANMU_MSG","info":[[0,1,25,0,1700000000000,1,0,"",0,0,0],"hi",[77,"Someone",0,0,0,10000,1,""],[],[],0,0,[],0,0,0,0]}`
	pkt := biliapi.Packet{RoomID: roomID, Time: at(0), Operation: biliapi.OperationSendMsgReply, Body: danmuBody}
	b, _ := marshalPacket(pkt)
	points, err := Estimate(strings.NewReader(string(b)), roomID)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if len(points) != 1 || points[0].Popularity != 1 {
		t.Fatalf("expected a single popularity=1 point, got %+v", points)
	}
}
