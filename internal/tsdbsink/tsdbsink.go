// Package tsdbsink implements the TSDBSink (spec.md §4.5): it subscribes to
// both the packet and uploader broadcasts, transforms each item into a
// time-series point, and batches/retries writes against a time-series
// database. DanmuCounter (spec.md §4.6) lives here too, as an internal
// aggregator that never leaves the package.
package tsdbsink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/broadcast"
	"github.com/gwy15/ddpanel/internal/metrics"
	"github.com/gwy15/ddpanel/internal/roomcache"
	"github.com/gwy15/ddpanel/internal/uploader"
)

const (
	defaultBufferSize = 32
	flushInterval     = 2 * time.Second
)

// retryDelays is the sleep schedule between write attempts. Its length
// plus one is the total attempt count: [0s, 1s, 3s] gives four attempts.
var retryDelays = [...]time.Duration{0, 1 * time.Second, 3 * time.Second}

// Writer is the subset of the influxdb-client-go write API the sink needs.
// A real client's WriteAPIBlocking satisfies this; tests supply a fake.
type Writer interface {
	WritePoint(ctx context.Context, points ...*write.Point) error
}

// Sink buffers points transformed from packets and uploader snapshots and
// flushes them to a Writer on a time or count trigger, with bounded retry.
type Sink struct {
	writer  Writer
	cache   *roomcache.Cache
	danmu   *danmuCounter
	metrics *metrics.Registry
	logger  *zap.Logger

	bufferSize int
	asyncWrite bool

	mu          sync.Mutex
	buffered    []*write.Point
	insertCount uint64
	lastFlush   time.Time

	failCount atomic.Uint64
	flushWG   sync.WaitGroup
}

// New builds a Sink with the default buffer size and asynchronous flushing
// enabled, matching CachedInfluxClient's defaults.
func New(writer Writer, cache *roomcache.Cache, reg *metrics.Registry, logger *zap.Logger) *Sink {
	return &Sink{
		writer:     writer,
		cache:      cache,
		danmu:      newDanmuCounter(),
		metrics:    reg,
		logger:     logger,
		bufferSize: defaultBufferSize,
		asyncWrite: true,
		lastFlush:  time.Now(),
	}
}

// SetBufferSize overrides the default batch size (spec.md §4.1:
// attach_tsdb_sink's buffer_size builder argument). Values <= 0 are ignored.
func (s *Sink) SetBufferSize(n int) {
	if n > 0 {
		s.bufferSize = n
	}
}

// SetAsyncWrite toggles background vs. inline flushing.
func (s *Sink) SetAsyncWrite(async bool) {
	s.asyncWrite = async
}

// RunPackets consumes the packet broadcast until it closes or ctx is
// cancelled, mapping each packet into zero or more buffered points.
func (s *Sink) RunPackets(ctx context.Context, recv *broadcast.Receiver[biliapi.Packet]) error {
	for {
		res, err := recv.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if res.Closed {
			return nil
		}
		if res.Lagged > 0 {
			s.logger.Warn("tsdb sink lagging behind packet broadcast", zap.Uint64("lagged", res.Lagged))
			s.metrics.PacketsDropped.Add(float64(res.Lagged))
		}

		points, mapErr := s.mapPacket(res.Item)
		if mapErr != nil {
			s.logger.Warn("failed to process packet", zap.Error(mapErr))
			continue
		}
		for _, p := range points {
			s.addPoint(ctx, p)
		}
	}
}

// RunSnapshots consumes the uploader broadcast the same way RunPackets
// consumes the packet broadcast.
func (s *Sink) RunSnapshots(ctx context.Context, recv *broadcast.Receiver[uploader.Snapshot]) error {
	for {
		res, err := recv.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if res.Closed {
			return nil
		}
		if res.Lagged > 0 {
			s.logger.Warn("tsdb sink lagging behind uploader broadcast", zap.Uint64("lagged", res.Lagged))
			s.metrics.PacketsDropped.Add(float64(res.Lagged))
		}
		s.addPoint(ctx, mapSnapshot(res.Item))
	}
}

// RunFlushTicker forces a flush every flushInterval until ctx is cancelled.
// It also drains any DanmuCounter buckets that have become eligible, since
// nothing else calls into the counter on a schedule.
func (s *Sink) RunFlushTicker(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.danmu.flush(s.cache) {
				s.addPoint(ctx, p)
			}
			s.flush(ctx, false)
		}
	}
}

// addPoint buffers a point, incrementing insert_count the way
// CachedInfluxClient.insert_point does (counted at enqueue time, not at
// successful write time), and flushes immediately if the buffer is full.
func (s *Sink) addPoint(ctx context.Context, p *write.Point) {
	s.mu.Lock()
	s.insertCount++
	s.buffered = append(s.buffered, p)
	full := len(s.buffered) >= s.bufferSize
	s.metrics.TSDBBufferLevel.Set(float64(len(s.buffered)))
	s.mu.Unlock()

	if full {
		s.flush(ctx, false)
	}
}

// flush empties the buffer and writes it out, synchronously or in the
// background depending on asyncWrite. final forces a synchronous write
// regardless of asyncWrite, per the termination requirement in spec.md
// §4.5.
func (s *Sink) flush(ctx context.Context, final bool) {
	s.mu.Lock()
	if len(s.buffered) == 0 {
		s.mu.Unlock()
		return
	}
	points := s.buffered
	s.buffered = nil
	s.metrics.TSDBBufferLevel.Set(0)
	s.mu.Unlock()

	if s.asyncWrite && !final {
		s.flushWG.Add(1)
		go func() {
			defer s.flushWG.Done()
			if err := s.insertRetry(context.Background(), points); err != nil {
				s.logger.Warn("async tsdb flush failed, points dropped", zap.Error(err), zap.Int("points", len(points)))
				s.failCount.Add(uint64(len(points)))
				s.metrics.TSDBFailed.Add(float64(len(points)))
				return
			}
			s.metrics.TSDBInserted.Add(float64(len(points)))
		}()
		return
	}

	if err := s.insertRetry(ctx, points); err != nil {
		s.logger.Warn("tsdb flush failed, points dropped", zap.Error(err), zap.Int("points", len(points)))
		s.failCount.Add(uint64(len(points)))
		s.metrics.TSDBFailed.Add(float64(len(points)))
		return
	}
	s.metrics.TSDBInserted.Add(float64(len(points)))
}

// insertRetry calls the writer up to len(retryDelays)+1 times, sleeping
// retryDelays[i-1] before the i-th retry. It returns nil on the first
// success and the final error if every attempt fails.
func (s *Sink) insertRetry(ctx context.Context, points []*write.Point) error {
	start := time.Now()
	var lastErr error
	attempts := len(retryDelays) + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.writer.WritePoint(ctx, points...)
		if err == nil {
			if attempt > 0 {
				s.logger.Info("tsdb insert succeeded after retry",
					zap.Int("retries", attempt),
					zap.Int("points", len(points)),
					zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))
			} else {
				s.logger.Info("tsdb insert succeeded",
					zap.Int("points", len(points)),
					zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))
			}
			return nil
		}
		lastErr = err
		s.logger.Warn("tsdb insert attempt failed", zap.Error(err), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("tsdb insert failed after %d attempts: %w", attempts, lastErr)
}

// FinalFlush performs the one synchronous flush the termination sequence
// requires, including any pending DanmuCounter buckets, then waits for
// every in-flight async flush goroutine to finish.
func (s *Sink) FinalFlush(ctx context.Context) {
	for _, p := range s.danmu.flush(s.cache) {
		s.addPoint(ctx, p)
	}
	s.flush(ctx, true)
	s.flushWG.Wait()
}

// Teardown logs the sink's lifetime counters. Call it after FinalFlush.
func (s *Sink) Teardown() {
	s.mu.Lock()
	buffered := len(s.buffered)
	inserted := s.insertCount
	s.mu.Unlock()

	s.logger.Info("tsdb sink stopped", zap.Uint64("insert_count", inserted))
	if buffered > 0 {
		s.logger.Error("tsdb sink stopped with points still buffered", zap.Int("buffered", buffered))
	}
	if fc := s.failCount.Load(); fc > 0 {
		s.logger.Warn("tsdb sink lost points, consider replaying the archive", zap.Uint64("fail_count", fc))
	}
}
