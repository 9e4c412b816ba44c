package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mentorchat/internal/models"
)

const DefaultPollInterval = 30 * time.Second

type UnreadSource interface {
	UnreadCounts(ctx context.Context) (models.UnreadCounts, error)
}

// UnreadPoller refreshes unread badge counts on a fixed interval. It covers
// conversations that have no open timeline and events lost while offline.
type UnreadPoller struct {
	source   UnreadSource
	interval time.Duration
	onUpdate func(models.UnreadCounts)
	logger   *slog.Logger

	mu     sync.Mutex
	latest models.UnreadCounts
	ok     bool
}

func NewUnreadPoller(source UnreadSource, interval time.Duration, onUpdate func(models.UnreadCounts), logger *slog.Logger) *UnreadPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UnreadPoller{
		source:   source,
		interval: interval,
		onUpdate: onUpdate,
		logger:   logger.With("component", "client"),
	}
}

// Run polls once immediately and then every interval until ctx is done.
func (p *UnreadPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh fetches the counts now. Failures keep the previous counts.
func (p *UnreadPoller) Refresh(ctx context.Context) {
	counts, err := p.source.UnreadCounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("unread_poll_failed", "error", err)
		}
		return
	}

	p.mu.Lock()
	p.latest = counts
	p.ok = true
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(counts)
	}
}

// Latest returns the last counts fetched and whether any fetch succeeded.
func (p *UnreadPoller) Latest() (models.UnreadCounts, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.ok
}
