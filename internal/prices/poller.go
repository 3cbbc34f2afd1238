package prices

import (
	"context"
	"log/slog"
	"time"
)

// Publisher receives every successful poll.
type Publisher interface {
	Publish(p Prices)
}

// Poller fetches the watch list on an interval and publishes the result.
type Poller struct {
	client   *Client
	ids      []string
	vs       string
	interval time.Duration
	pub      Publisher
	logger   *slog.Logger

	onPoll func(err error) // optional metrics hook
}

// NewPoller creates a poller for ids. It bypasses the response cache so each
// tick reflects the upstream price.
func NewPoller(c *Client, ids []string, interval time.Duration, pub Publisher, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		client:   c,
		ids:      NormalizeIDs(ids),
		vs:       c.VsCurrency(),
		interval: interval,
		pub:      pub,
		logger:   logger.With("component", "price-poller"),
	}
}

// OnPoll registers a callback invoked after every fetch.
func (p *Poller) OnPoll(fn func(err error)) { p.onPoll = fn }

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if len(p.ids) == 0 {
		p.logger.Info("price watch list empty, poller idle")
		return
	}
	p.logger.Info("price poller started", "ids", len(p.ids), "interval", p.interval)

	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("price poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	prices, err := p.client.fetchSimplePrices(fetchCtx, p.ids, p.vs)
	if p.onPoll != nil {
		p.onPoll(err)
	}
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("price poll failed", "error", err)
		}
		return
	}
	p.pub.Publish(prices)
}
