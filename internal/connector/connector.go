// Package connector implements the per-room live connection (spec.md §4.2).
package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/broadcast"
	"github.com/gwy15/ddpanel/internal/metrics"
	"github.com/gwy15/ddpanel/internal/roomcache"
)

const (
	errorBudgetWindow = 5 * time.Minute
	errorBudgetMax    = 5
)

// Connector owns the live connection for a single room and republishes
// every packet it receives onto the shared packet broadcast.
type Connector struct {
	roomID     uint64
	httpClient *http.Client
	cache      *roomcache.Cache
	packets    *broadcast.Broadcast[biliapi.Packet]
	metrics    *metrics.Registry
	logger     *zap.Logger
}

// New builds a Connector for roomID. httpClient is shared across
// connectors; the spec makes no claim about per-room HTTP client isolation.
func New(roomID uint64, httpClient *http.Client, cache *roomcache.Cache, packets *broadcast.Broadcast[biliapi.Packet], reg *metrics.Registry, logger *zap.Logger) *Connector {
	return &Connector{
		roomID:     roomID,
		httpClient: httpClient,
		cache:      cache,
		packets:    packets,
		metrics:    reg,
		logger:     logger.With(zap.Uint64("room_id", roomID)),
	}
}

// Run connects, reconnects on transient failure under a sliding 5-in-5-minute
// error budget, and returns when ctx is cancelled (nil) or the budget is
// exhausted (error). It never sleeps between retries: the upstream handshake
// latency is the retry's natural throttle (spec.md §4.2).
func (c *Connector) Run(ctx context.Context) error {
	var failures []time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == errNoReceivers {
			return err
		}

		now := time.Now()
		failures = slideWindow(append(failures, now), now)
		c.metrics.RoomRetries.Inc()
		c.logger.Warn("room connection lost, reconnecting",
			zap.Error(err),
			zap.Int("failures_in_window", len(failures)),
		)

		if len(failures) > errorBudgetMax {
			c.metrics.RoomAbandoned.Inc()
			return fmt.Errorf("room %d: exhausted error budget (%d failures in %s): %w",
				c.roomID, len(failures), errorBudgetWindow, err)
		}
	}
}

// slideWindow drops failure timestamps older than errorBudgetWindow relative
// to now (the sliding-window retry budget called for in spec.md §9, in place
// of a single counter + last-failure-time shortcut).
func slideWindow(failures []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-errorBudgetWindow)
	kept := failures[:0]
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

var errNoReceivers = fmt.Errorf("packet broadcast has no receivers")

func (c *Connector) connectOnce(ctx context.Context) error {
	info, err := biliapi.InfoByRoom(ctx, c.httpClient, c.roomID)
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	longRoomID := info.RoomID
	if info.Streamer != "" {
		c.cache.Set(longRoomID, info.Streamer)
	}

	danmuInfo, err := biliapi.FetchDanmuInfo(ctx, c.httpClient, longRoomID)
	if err != nil {
		return fmt.Errorf("fetch danmu info: %w", err)
	}

	conn, err := biliapi.Dial(ctx, danmuInfo.Servers[0], longRoomID, danmuInfo.Token)
	if err != nil {
		return fmt.Errorf("dial live connection: %w", err)
	}
	defer conn.Close()

	c.metrics.RoomsConnected.Inc()
	defer c.metrics.RoomsConnected.Dec()

	recv := conn.Receiver()
	for {
		pkt, err := recv.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive packet: %w", err)
		}
		if c.packets.SubscriberCount() == 0 {
			return errNoReceivers
		}
		c.packets.Send(pkt)
		c.metrics.PacketsPublished.Inc()
	}
}
