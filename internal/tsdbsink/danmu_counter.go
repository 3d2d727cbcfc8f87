package tsdbsink

import (
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/gwy15/ddpanel/internal/roomcache"
)

const danmuMinFlushInterval = 1 * time.Second

// danmuCounter is the per-second, per-room chat-message tally (spec.md
// §4.6). It is internal to the TSDB sink: nothing outside this package
// reads it directly.
type danmuCounter struct {
	mu        sync.Mutex
	lastFlush time.Time
	counts    map[int64]map[uint64]uint32
}

func newDanmuCounter() *danmuCounter {
	return &danmuCounter{
		lastFlush: time.Now(),
		counts:    make(map[int64]map[uint64]uint32),
	}
}

// count buckets a DANMU_MSG sighting by the wall-clock second of t. Buckets
// are keyed by the packet's own timestamp, not arrival order, so
// out-of-order delivery across connectors is tolerated.
func (d *danmuCounter) count(roomID uint64, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sec := t.Unix()
	bucket, ok := d.counts[sec]
	if !ok {
		bucket = make(map[uint64]uint32)
		d.counts[sec] = bucket
	}
	bucket[roomID]++
}

// flush drains the counter into live-popularity points if at least
// danmuMinFlushInterval has elapsed since the previous flush; otherwise it
// is a no-op returning nil.
func (d *danmuCounter) flush(cache *roomcache.Cache) []*write.Point {
	d.mu.Lock()
	now := time.Now()
	if now.Sub(d.lastFlush) < danmuMinFlushInterval {
		d.mu.Unlock()
		return nil
	}
	d.lastFlush = now
	swapped := d.counts
	d.counts = make(map[int64]map[uint64]uint32)
	d.mu.Unlock()

	var points []*write.Point
	for sec, rooms := range swapped {
		bucketTime := time.Unix(sec, 0)
		for roomID, count := range rooms {
			points = append(points, danmuPoint(cache, roomID, bucketTime, count))
		}
	}
	return points
}
