package grbl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
)

// DefaultStatusPollInterval is how often a status report is requested.
var DefaultStatusPollInterval = 200 * time.Millisecond

// lostPollIntervals is how many intervals to wait for a status report before assuming the
// request was lost and sending another one.
var lostPollIntervals = 20

// Poller periodically requests a status report, unless one was received recently. Only a single
// request is outstanding at a time.
type Poller struct {
	interval time.Duration
	query    func() error
	now      func() time.Time

	mu          sync.Mutex
	cancel      context.CancelFunc
	outstanding int
	lastStatus  time.Time
}

// NewPoller creates a Poller calling query every interval.
func NewPoller(interval time.Duration, query func() error) *Poller {
	if interval <= 0 {
		interval = DefaultStatusPollInterval
	}
	return &Poller{
		interval: interval,
		query:    query,
		now:      time.Now,
	}
}

// Start begins polling in the background, until Stop or ctx is done. Starting a running poller
// does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, logger := log.MustWithGroup(ctx, "Status Poller")
	ctx, p.cancel = context.WithCancel(ctx)
	p.outstanding = 0
	logger.Debug("Starting", "interval", p.interval)
	go func() {
		err := p.statusQueryWorker(ctx)
		if err != nil {
			logger.Error("Stopped", "err", err)
		} else {
			logger.Debug("Stopped")
		}
	}()
}

// Stop stops polling. It does not wait for a query in progress.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
}

// IsRunning reports whether the poller was started and not stopped.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// StatusReceived must be called for every status report.
func (p *Poller) StatusReceived() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding = 0
	p.lastStatus = p.now()
}

// shouldQuery is called on every tick.
func (p *Poller) shouldQuery() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastStatus.IsZero() && p.now().Sub(p.lastStatus) < p.interval {
		return false
	}
	if p.outstanding == 0 {
		p.outstanding++
		return true
	}
	p.outstanding++
	if p.outstanding >= lostPollIntervals {
		p.outstanding = 0
	}
	return false
}

func (p *Poller) statusQueryWorker(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case <-ticker.C:
			if !p.shouldQuery() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := p.query(); err != nil {
				return fmt.Errorf("failed to send periodic status query: %w", err)
			}
		}
	}
}
