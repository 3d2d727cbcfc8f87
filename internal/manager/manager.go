// Package manager wires every other component together (spec.md §4.1). It
// owns the two broadcasts, the uploader roster slot, and the lifecycle of
// every RoomConnector, the UploaderPoller, and whatever sinks are attached.
//
// Grounded on original_source/src/manager.rs, with one deliberate departure
// from its failure semantics: manager.rs bails out the whole process if a
// terminate signal cannot be delivered to a dead monitor task. Go's
// context.CancelFunc cannot fail to be called, so that failure mode does
// not exist here; cancelling a room whose connector has already exited is a
// silent no-op, matching spec.md §4.1's softer "log and forget" wording.
package manager

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/broadcast"
	"github.com/gwy15/ddpanel/internal/connector"
	"github.com/gwy15/ddpanel/internal/filesink"
	"github.com/gwy15/ddpanel/internal/metrics"
	"github.com/gwy15/ddpanel/internal/replay"
	"github.com/gwy15/ddpanel/internal/roomcache"
	"github.com/gwy15/ddpanel/internal/roster"
	"github.com/gwy15/ddpanel/internal/tsdbsink"
	"github.com/gwy15/ddpanel/internal/uploader"
)

const (
	packetBufferCap   = 10_000
	uploaderBufferCap = 1_000

	// replayDrainWait is how long Replay waits after closing the broadcasts
	// for any in-flight async TSDB flush goroutines to land, per spec.md
	// §4.9's "waits ~2 seconds afterwards" requirement.
	replayDrainWait = 2 * time.Second
)

// Manager owns the packet and uploader broadcasts and the lifecycle of
// every producer (RoomConnector, UploaderPoller, Replayer) and consumer
// (sink) attached to them.
type Manager struct {
	httpClient *http.Client
	cache      *roomcache.Cache
	metrics    *metrics.Registry
	logger     *zap.Logger

	packets   *broadcast.Broadcast[biliapi.Packet]
	uploaders *broadcast.Broadcast[uploader.Snapshot]
	roster    uploader.RosterSlot

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[uint64]context.CancelFunc

	connWG sync.WaitGroup

	poller       *uploader.Poller
	pollerCancel context.CancelFunc
	pollerWG     sync.WaitGroup

	sinkWG sync.WaitGroup
}

// New builds a Manager with empty broadcasts and no attached sinks.
func New(httpClient *http.Client, cache *roomcache.Cache, reg *metrics.Registry, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		httpClient: httpClient,
		cache:      cache,
		metrics:    reg,
		logger:     logger,
		packets:    broadcast.New[biliapi.Packet](packetBufferCap),
		uploaders:  broadcast.New[uploader.Snapshot](uploaderBufferCap),
		running:    make(map[uint64]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *Manager) addSink(name string, run func(ctx context.Context) error) {
	m.sinkWG.Add(1)
	go func() {
		defer m.sinkWG.Done()
		if err := run(m.ctx); err != nil {
			m.logger.Error("sink exited with error", zap.String("sink", name), zap.Error(err))
			return
		}
		m.logger.Info("sink finished", zap.String("sink", name))
	}()
}

// AttachFileSink subscribes a FileSink to each broadcast and starts both
// immediately. Chainable.
func (m *Manager) AttachFileSink(livePath, uploaderPath string) *Manager {
	liveSink := filesink.New(livePath, m.packets, m.metrics, m.logger)
	uploaderSink := filesink.New(uploaderPath, m.uploaders, m.metrics, m.logger)
	m.addSink("file-sink-packets", liveSink.Run)
	m.addSink("file-sink-uploaders", uploaderSink.Run)
	return m
}

// AttachTSDBSink subscribes a TSDBSink to both broadcasts. bufferSize <= 0
// keeps the sink's default batch size.
func (m *Manager) AttachTSDBSink(writer tsdbsink.Writer, bufferSize int) *Manager {
	sink := tsdbsink.New(writer, m.cache, m.metrics, m.logger)
	sink.SetBufferSize(bufferSize)

	packetsRecv := m.packets.Subscribe()
	uploadersRecv := m.uploaders.Subscribe()

	tickerCtx, cancelTicker := context.WithCancel(m.ctx)
	m.addSink("tsdb-sink-ticker", func(ctx context.Context) error {
		sink.RunFlushTicker(tickerCtx)
		return nil
	})

	m.addSink("tsdb-sink", func(ctx context.Context) error {
		var wg sync.WaitGroup
		var packetsErr, uploadersErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			packetsErr = sink.RunPackets(ctx, packetsRecv)
		}()
		go func() {
			defer wg.Done()
			uploadersErr = sink.RunSnapshots(ctx, uploadersRecv)
		}()
		wg.Wait()
		cancelTicker()

		sink.FinalFlush(context.Background())
		sink.Teardown()

		if packetsErr != nil {
			return packetsErr
		}
		return uploadersErr
	})
	return m
}

// AttachNoopSink drains the packet broadcast without recording anything,
// so the broadcast always has a subscriber when no real sink is attached
// (e.g. metrics-only runs); a connector that finds no subscriber gives up
// on its room.
func (m *Manager) AttachNoopSink() *Manager {
	recv := m.packets.Subscribe()
	m.addSink("noop-sink", func(ctx context.Context) error {
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
		}
	})
	return m
}

// Start loads the cookie jar, launches the UploaderPoller, and blocks
// applying roster diffs until the roster watch closes (ctx cancelled).
func (m *Manager) Start(ctx context.Context, rosterFile, cookieFile string) error {
	jar, err := m.startPoller(cookieFile)
	if err != nil {
		return err
	}

	updates, err := roster.Watch(ctx, rosterFile, m.logger)
	if err != nil {
		return err
	}
	for cfg := range updates {
		m.applyDiff(cfg)
	}

	if saveErr := biliapi.SaveCookieJar(cookieFile, jar, uploaderCookieHosts); saveErr != nil {
		m.logger.Warn("failed to persist cookie jar", zap.Error(saveErr))
	}
	return nil
}

// StartAdHoc applies a single, static roster diff (SPEC_FULL.md §4.10's
// --room-ids mode) instead of watching a roster file, then blocks until ctx
// is cancelled.
func (m *Manager) StartAdHoc(ctx context.Context, cfg roster.Config, cookieFile string) error {
	jar, err := m.startPoller(cookieFile)
	if err != nil {
		return err
	}
	m.applyDiff(cfg)

	<-ctx.Done()

	if saveErr := biliapi.SaveCookieJar(cookieFile, jar, uploaderCookieHosts); saveErr != nil {
		m.logger.Warn("failed to persist cookie jar", zap.Error(saveErr))
	}
	return nil
}

func (m *Manager) startPoller(cookieFile string) (http.CookieJar, error) {
	jar, loaded := biliapi.LoadCookieJar(cookieFile)
	if !loaded {
		m.logger.Info("starting uploader poller with a fresh cookie jar", zap.String("cookie_file", cookieFile))
	}
	pollerClient := biliapi.NewHTTPClient(jar)

	m.poller = uploader.New(pollerClient, &m.roster, m.uploaders, m.metrics, m.logger)
	pollerCtx, cancel := context.WithCancel(m.ctx)
	m.pollerCancel = cancel
	m.pollerWG.Add(1)
	go func() {
		defer m.pollerWG.Done()
		if err := m.poller.Run(pollerCtx); err != nil {
			m.logger.Error("uploader poller exited with error", zap.Error(err))
		}
	}()
	return jar, nil
}

var uploaderCookieHosts = []string{"bilibili.com", "api.bilibili.com"}

func (m *Manager) applyDiff(cfg roster.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	toStop, toStart := diffRooms(m.running, cfg.LiveRooms)
	for _, roomID := range toStop {
		m.logger.Info("stopping room connector", zap.Uint64("room_id", roomID))
		m.running[roomID]()
		delete(m.running, roomID)
	}
	for _, roomID := range toStart {
		m.logger.Info("starting room connector", zap.Uint64("room_id", roomID))
		connCtx, cancel := context.WithCancel(m.ctx)
		m.running[roomID] = cancel

		conn := connector.New(roomID, m.httpClient, m.cache, m.packets, m.metrics, m.logger)
		m.connWG.Add(1)
		go func(roomID uint64) {
			defer m.connWG.Done()
			if err := conn.Run(connCtx); err != nil {
				m.logger.Warn("room connector exited", zap.Uint64("room_id", roomID), zap.Error(err))
			}
		}(roomID)
	}

	m.roster.Store(cfg.Users)
}

// diffRooms computes the set-difference diff described in spec.md §4.1:
// to_stop = running \ desired, to_start = desired \ running.
func diffRooms(running map[uint64]context.CancelFunc, desired map[uint64]struct{}) (toStop, toStart []uint64) {
	for roomID := range running {
		if _, want := desired[roomID]; !want {
			toStop = append(toStop, roomID)
		}
	}
	for roomID := range desired {
		if _, have := running[roomID]; !have {
			toStart = append(toStart, roomID)
		}
	}
	return toStop, toStart
}

// Replay feeds archivePath into the packet broadcast as if it were live,
// then tears the Manager down, waiting briefly for async TSDB flushes.
func (m *Manager) Replay(ctx context.Context, archivePath string, delayMs int) error {
	r := replay.New(m.httpClient, m.cache, m.packets, m.logger, delayMs)
	if err := r.Replay(ctx, archivePath); err != nil {
		return err
	}

	m.logger.Info("replay finished, beginning graceful shutdown")
	m.Finish()

	select {
	case <-time.After(replayDrainWait):
	case <-ctx.Done():
	}
	return nil
}

// Finish signals every RoomConnector and the UploaderPoller to stop, closes
// both broadcasts so subscribers drain and exit naturally, and waits for
// every sink to finish.
func (m *Manager) Finish() {
	m.mu.Lock()
	for roomID, cancel := range m.running {
		cancel()
		delete(m.running, roomID)
	}
	m.mu.Unlock()
	m.connWG.Wait()

	if m.pollerCancel != nil {
		m.pollerCancel()
		m.pollerWG.Wait()
	}

	m.packets.Close()
	m.uploaders.Close()

	m.sinkWG.Wait()
	m.cancel()
	m.logger.Info("manager finished")
}
