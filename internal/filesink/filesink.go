// Package filesink implements the rolling, date-partitioned archive writer
// (spec.md §4.4). It is generic over whatever item type its broadcast
// subscription carries — packets for the live archive, uploader snapshots
// for the bili-info archive.
package filesink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/broadcast"
	"github.com/gwy15/ddpanel/internal/metrics"
)

const (
	flushCount    = 1000
	flushInterval = 2 * time.Second
	dateLayout    = "2006-01-02"
)

var shanghai = mustLoadShanghai()

func mustLoadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// Sink subscribes to a broadcast and writes each item as a newline-delimited
// JSON record to a date-templated, optionally gzip-compressed file.
type Sink[T any] struct {
	pathTemplate string
	recv         *broadcast.Receiver[T]
	logger       *zap.Logger
	metrics      *metrics.Registry

	openDate string
	file     *os.File
	gz       *gzip.Writer
	buf      *bufio.Writer

	pendingSinceFlush int
	lastFlush         time.Time
}

// New builds a Sink that subscribes to src and writes to pathTemplate, which
// may contain at most one '%' sentinel substituted with the local
// (Asia/Shanghai) date at open/rotate time.
func New[T any](pathTemplate string, src *broadcast.Broadcast[T], reg *metrics.Registry, logger *zap.Logger) *Sink[T] {
	return &Sink[T]{
		pathTemplate: pathTemplate,
		recv:         src.Subscribe(),
		logger:       logger,
		metrics:      reg,
	}
}

func currentDate() string {
	return time.Now().In(shanghai).Format(dateLayout)
}

func resolvePath(template, date string) string {
	if strings.Contains(template, "%") {
		return strings.Replace(template, "%", date, 1)
	}
	return template
}

func (s *Sink[T]) openFile(date string) error {
	path := resolvePath(s.pathTemplate, date)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	s.file = f
	s.gz = gz
	s.buf = bufio.NewWriter(w)
	s.openDate = date
	s.lastFlush = time.Now()
	return nil
}

func (s *Sink[T]) closeFile() error {
	if s.file == nil {
		return nil
	}
	var err error
	if flushErr := s.buf.Flush(); flushErr != nil {
		err = flushErr
	}
	if s.gz != nil {
		if closeErr := s.gz.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if closeErr := s.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	s.file, s.gz, s.buf = nil, nil, nil
	return err
}

func (s *Sink[T]) writeItem(item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if _, err := s.buf.Write(data); err != nil {
		return fmt.Errorf("write item: %w", err)
	}
	if err := s.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	s.pendingSinceFlush++
	s.metrics.FileSinkWritten.Inc()
	return nil
}

// flush flushes the buffered writer and, if the local date has rolled over,
// closes and reopens the file at the new date substitution.
func (s *Sink[T]) flush() error {
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	s.pendingSinceFlush = 0
	s.lastFlush = time.Now()

	date := currentDate()
	if date == s.openDate {
		return nil
	}
	if err := s.closeFile(); err != nil {
		s.logger.Warn("error closing rotated file", zap.Error(err))
	}
	s.metrics.FileSinkRotated.Inc()
	return s.openFile(date)
}

// Run writes items until the broadcast closes or ctx is cancelled. A final
// flush+close is always attempted before returning.
func (s *Sink[T]) Run(ctx context.Context) error {
	if err := s.openFile(currentDate()); err != nil {
		return err
	}
	defer s.closeFile()

	for {
		deadline := s.lastFlush.Add(flushInterval)
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		res, err := s.recv.Recv(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return s.flush()
			}
			// Deadline for the periodic flush elapsed; flush and keep
			// waiting for the next item.
			if flushErr := s.flush(); flushErr != nil {
				s.logger.Warn("periodic flush failed", zap.Error(flushErr))
			}
			continue
		}

		if res.Closed {
			return s.flush()
		}
		if res.Lagged > 0 {
			s.logger.Warn("file sink lagging behind broadcast", zap.Uint64("lagged", res.Lagged))
			s.metrics.PacketsDropped.Add(float64(res.Lagged))
		}

		if err := s.writeItem(res.Item); err != nil {
			s.logger.Warn("failed to write item, dropping", zap.Error(err))
			continue
		}
		if s.pendingSinceFlush >= flushCount {
			if err := s.flush(); err != nil {
				s.logger.Warn("count-triggered flush failed", zap.Error(err))
			}
		}
	}
}
