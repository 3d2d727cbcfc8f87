package tsdbsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/metrics"
	"github.com/gwy15/ddpanel/internal/roomcache"
)

// fakeWriter records every point it is handed, optionally failing the
// first N calls to exercise the retry path.
type fakeWriter struct {
	mu        sync.Mutex
	failCalls int
	calls     int
	written   []*write.Point
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failCalls {
		return errWriteFailed
	}
	f.written = append(f.written, points...)
	return nil
}

var errWriteFailed = fakeWriteError{}

type fakeWriteError struct{}

func (fakeWriteError) Error() string { return "fake write failure" }

func newTestSink(w Writer) (*Sink, *roomcache.Cache) {
	cache := roomcache.New()
	cache.Set(100, "Alice")
	return New(w, cache, metrics.New(), zap.NewNop()), cache
}

func packet(roomID uint64, op biliapi.Operation, body string, t time.Time) biliapi.Packet {
	return biliapi.Packet{RoomID: roomID, Operation: op, Body: body, Time: t}
}

func TestMapSendGiftGoldProducesPriceAndNum(t *testing.T) {
	s, _ := newTestSink(&fakeWriter{})
	body := `{"cmd":"SEND_GIFT","data":{"coin_type":"gold","giftName":"牌牌","price":1000,"num":3,"uid":42,"uname":"A"}}`
	pts, err := s.mapPacket(packet(100, biliapi.OperationSendMsgReply, body, time.Now()))
	if err != nil {
		t.Fatalf("mapPacket: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("expected 1 point, got %d", len(pts))
	}
	fields := map[string]interface{}{}
	for _, f := range pts[0].FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["price"] != 3.0 || fields["num"] != int64(3) {
		t.Fatalf("expected price=3.0 and num=3, got %v", fields)
	}
}

func TestMapSendGiftSilverIsSkipped(t *testing.T) {
	s, _ := newTestSink(&fakeWriter{})
	body := `{"cmd":"SEND_GIFT","data":{"coin_type":"silver","giftName":"辣条","price":100,"num":1,"uid":1,"uname":"B"}}`
	pts, err := s.mapPacket(packet(100, biliapi.OperationSendMsgReply, body, time.Now()))
	if err != nil {
		t.Fatalf("mapPacket: %v", err)
	}
	if len(pts) != 0 {
		t.Fatalf("expected silver gift to be skipped, got %d points", len(pts))
	}
}

func TestMapSendMsgReplyUnknownCmdIgnoredIncludingJPNSuperChat(t *testing.T) {
	s, _ := newTestSink(&fakeWriter{})
	for _, cmd := range []string{"SUPER_CHAT_MESSAGE_JPN", "SOME_OTHER_CMD"} {
		body := `{"cmd":"` + cmd + `","data":{}}`
		pts, err := s.mapPacket(packet(100, biliapi.OperationSendMsgReply, body, time.Now()))
		if err != nil {
			t.Fatalf("mapPacket(%s): %v", cmd, err)
		}
		if len(pts) != 0 {
			t.Fatalf("expected cmd %s to produce no points, got %d", cmd, len(pts))
		}
	}
}

func TestMapUserToastMsgDoesNotMultiplyByNum(t *testing.T) {
	s, _ := newTestSink(&fakeWriter{})
	body := `{"cmd":"USER_TOAST_MSG","data":{"uid":1,"price":30000,"role_name":"舰长","num":3}}`
	pts, err := s.mapPacket(packet(100, biliapi.OperationSendMsgReply, body, time.Now()))
	if err != nil {
		t.Fatalf("mapPacket: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("expected 1 point, got %d", len(pts))
	}
	fields := map[string]interface{}{}
	for _, f := range pts[0].FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["price"] != 30.0 {
		t.Fatalf("expected price=30.0 (not multiplied by num=3), got %v", fields["price"])
	}
}

func TestMapDanmuMsgRoutesToCounterNotAPoint(t *testing.T) {
	s, _ := newTestSink(&fakeWriter{})
	body := `{"cmd":"DANMU_MSG","data":{}}`
	pts, err := s.mapPacket(packet(7, biliapi.OperationSendMsgReply, body, time.Unix(1000, 0)))
	if err != nil {
		t.Fatalf("mapPacket: %v", err)
	}
	if len(pts) != 0 {
		t.Fatal("expected DANMU_MSG to emit no direct point")
	}
}

func TestMapHeartbeatReplyEmitsPopularity(t *testing.T) {
	s, _ := newTestSink(&fakeWriter{})
	pts, err := s.mapPacket(packet(100, biliapi.OperationHeartbeatReply, "42", time.Now()))
	if err != nil {
		t.Fatalf("mapPacket: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("expected 1 popularity point, got %d", len(pts))
	}
}

func TestInsertRetrySucceedsAfterTransientFailures(t *testing.T) {
	w := &fakeWriter{failCalls: 2}
	s, _ := newTestSink(w)
	s.bufferSize = 1
	s.SetAsyncWrite(false)

	err := s.insertRetry(context.Background(), []*write.Point{
		write.NewPoint("live-popularity", nil, map[string]interface{}{"popularity": int64(1)}, time.Now()),
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if w.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", w.calls)
	}
}

func TestInsertRetryExhaustsAfterFourFailures(t *testing.T) {
	w := &fakeWriter{failCalls: 100}
	s, _ := newTestSink(w)

	err := s.insertRetry(context.Background(), []*write.Point{
		write.NewPoint("live-popularity", nil, map[string]interface{}{"popularity": int64(1)}, time.Now()),
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if w.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", w.calls)
	}
}

func TestFlushSyncRecordsFailCountOnExhaustion(t *testing.T) {
	w := &fakeWriter{failCalls: 100}
	s, _ := newTestSink(w)
	s.SetAsyncWrite(false)

	s.addPoint(context.Background(), write.NewPoint("live-popularity", nil, map[string]interface{}{"popularity": int64(1)}, time.Now()))
	s.flush(context.Background(), true)

	if s.failCount.Load() != 1 {
		t.Fatalf("expected fail_count=1, got %d", s.failCount.Load())
	}
}

func TestFinalFlushDrainsDanmuCounterAndBuffer(t *testing.T) {
	w := &fakeWriter{}
	s, _ := newTestSink(w)
	s.SetAsyncWrite(false)

	// Force the danmu counter's internal clock into the past so flush()
	// treats it as due.
	s.danmu.lastFlush = time.Now().Add(-2 * time.Second)
	s.danmu.count(100, time.Unix(1000, 0))

	s.FinalFlush(context.Background())

	if len(w.written) == 0 {
		t.Fatal("expected the danmu bucket to be flushed as a point")
	}
}
