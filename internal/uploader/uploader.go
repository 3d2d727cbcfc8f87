// Package uploader implements the UploaderPoller (spec.md §4.3).
package uploader

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gwy15/ddpanel/internal/biliapi"
	"github.com/gwy15/ddpanel/internal/broadcast"
	"github.com/gwy15/ddpanel/internal/metrics"
)

const (
	outerInterval = 180 * time.Second
	innerInterval = 1 * time.Second
)

// RosterSlot is the single-slot "watch" channel carrying the current
// uploader set (spec.md §5: uploader_roster). Readers always observe the
// most recently stored value; there is no queueing.
type RosterSlot struct {
	value atomic.Pointer[map[uint64]struct{}]
}

// Store overwrites the current uploader set.
func (s *RosterSlot) Store(users map[uint64]struct{}) {
	s.value.Store(&users)
}

// Load returns the current uploader set, or nil if none has been stored yet.
func (s *RosterSlot) Load() map[uint64]struct{} {
	p := s.value.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Poller fetches UserInfo and UploaderStat for every uid in its roster slot
// on a fixed outer schedule, rate-limited per-user by an inner throttle.
type Poller struct {
	httpClient *http.Client
	roster     *RosterSlot
	out        *broadcast.Broadcast[Snapshot]
	metrics    *metrics.Registry
	logger     *zap.Logger
	limiter    *rate.Limiter
}

// New builds a Poller. httpClient should be backed by the persisted cookie
// jar from biliapi.LoadCookieJar.
func New(httpClient *http.Client, roster *RosterSlot, out *broadcast.Broadcast[Snapshot], reg *metrics.Registry, logger *zap.Logger) *Poller {
	return &Poller{
		httpClient: httpClient,
		roster:     roster,
		out:        out,
		metrics:    reg,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(innerInterval), 1),
	}
}

// Run fetches an initial batch immediately, then every outerInterval, until
// ctx is cancelled. missed_tick_behavior=delay is implicit: time.Ticker
// never bursts a backlog of missed ticks.
func (p *Poller) Run(ctx context.Context) error {
	p.runBatch(ctx)

	ticker := time.NewTicker(outerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.runBatch(ctx)
		}
	}
}

func (p *Poller) runBatch(ctx context.Context) {
	users := p.roster.Load()
	for uid := range users {
		if err := p.limiter.Wait(ctx); err != nil {
			return // context cancelled mid-batch
		}
		p.fetchOne(ctx, uid)
	}
}

// fetchOne is per-user best-effort: a failed fetch is logged and does not
// abort the batch (spec.md §4.3).
func (p *Poller) fetchOne(ctx context.Context, uid uint64) {
	username := ""

	info, err := biliapi.FetchUserInfo(ctx, p.httpClient, uid)
	if err != nil {
		p.metrics.UploaderFetchErrors.Inc()
		p.logger.Warn("fetch user info failed", zap.Uint64("uid", uid), zap.Error(err))
	} else {
		username = info.Username
		p.out.Send(Snapshot{
			UID:      uid,
			Username: username,
			Time:     time.Now(),
			Data:     UserInfoData{Followers: info.Followers},
		})
	}

	stat, err := biliapi.FetchUploaderStat(ctx, p.httpClient, uid)
	if err != nil {
		p.metrics.UploaderFetchErrors.Inc()
		p.logger.Warn("fetch uploader stat failed", zap.Uint64("uid", uid), zap.Error(err))
		return
	}
	p.out.Send(Snapshot{
		UID:      uid,
		Username: username,
		Time:     time.Now(),
		Data: UploaderStatData{
			VideoViews:   stat.VideoViews,
			ArticleViews: stat.ArticleViews,
			Likes:        stat.Likes,
		},
	})
}
