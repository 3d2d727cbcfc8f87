// Package replay implements the Replayer (spec.md §4.9): it feeds an
// archived packet stream back into the packet broadcast as if the rooms
// were live, so sinks can be re-run over recorded data (e.g. to recover
// from a TSDB outage).
//
// Grounded on original_source/src/replayer.rs.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/broadcast"
	"github.com/gwy15/ddpanel/internal/roomcache"
)

const progressInterval = 1000

// Replayer reads an archive file and republishes its packets onto a
// broadcast, resolving any room absent from the cache along the way.
type Replayer struct {
	httpClient *http.Client
	cache      *roomcache.Cache
	out        *broadcast.Broadcast[biliapi.Packet]
	logger     *zap.Logger
	delay      time.Duration
}

// New builds a Replayer. delayMs is the pause (if > 0) taken every
// progressInterval packets, matching spec.md §4.9.
func New(httpClient *http.Client, cache *roomcache.Cache, out *broadcast.Broadcast[biliapi.Packet], logger *zap.Logger, delayMs int) *Replayer {
	return &Replayer{
		httpClient: httpClient,
		cache:      cache,
		out:        out,
		logger:     logger,
		delay:      time.Duration(delayMs) * time.Millisecond,
	}
}

// Replay opens path (transparently gzip-decoding if it ends in ".gz") and
// runs the archive to completion or until ctx is cancelled.
func (r *Replayer) Replay(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip archive %s: %w", path, err)
		}
		defer gz.Close()
		reader = gz
	}

	return r.run(ctx, reader)
}

func (r *Replayer) run(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	count := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pkt biliapi.Packet
		if err := json.Unmarshal(line, &pkt); err != nil {
			return fmt.Errorf("decode archived packet: %w", err)
		}

		if _, ok := r.cache.Lookup(pkt.RoomID); !ok {
			info, err := biliapi.InfoByRoom(ctx, r.httpClient, pkt.RoomID)
			if err != nil {
				return fmt.Errorf("resolve room %d: %w", pkt.RoomID, err)
			}
			r.cache.Set(pkt.RoomID, info.Streamer)
		}

		count++
		if count%progressInterval == 0 {
			r.logger.Info("replay progress", zap.Int("packets", count), zap.Time("packet_time", pkt.Time))
			if r.delay > 0 {
				select {
				case <-time.After(r.delay):
				case <-ctx.Done():
					return nil
				}
			}
		}

		r.out.Send(pkt)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	r.logger.Info("replay finished", zap.Int("packets", count))
	return nil
}
