package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dess-monitor/internal/ingest"
	"dess-monitor/internal/session"
)

// Collector drives the ingestion service on fixed cadences: latest
// snapshots every few minutes, fast chart fields every few minutes with
// retention pruning, and a daily sweep of all chart fields and key
// parameters shortly after midnight.
type Collector struct {
	sessions       *session.Manager
	ingest         *ingest.Service
	log            *zap.SugaredLogger
	latestInterval time.Duration
	chartInterval  time.Duration
	enabled        bool

	mu        sync.RWMutex
	isRunning bool
}

type CollectorConfig struct {
	Sessions       *session.Manager
	Ingest         *ingest.Service
	Logger         *zap.SugaredLogger
	LatestInterval time.Duration
	ChartInterval  time.Duration
	Enabled        bool
}

func NewCollector(cfg CollectorConfig) *Collector {
	latest := cfg.LatestInterval
	if latest <= 0 {
		latest = 2 * time.Minute
	}
	chart := cfg.ChartInterval
	if chart <= 0 {
		chart = 5 * time.Minute
	}
	return &Collector{
		sessions:       cfg.Sessions,
		ingest:         cfg.Ingest,
		log:            cfg.Logger,
		latestInterval: latest,
		chartInterval:  chart,
		enabled:        cfg.Enabled,
	}
}

// Start runs the polling loops until ctx is cancelled. It blocks.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled {
		c.log.Infow("collector is disabled")
		return nil
	}

	c.mu.Lock()
	c.isRunning = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.isRunning = false
		c.mu.Unlock()
	}()

	c.log.Infow("starting collector",
		"latest_interval", c.latestInterval,
		"chart_interval", c.chartInterval)

	// Seed a session from fallback credentials when none is stored yet.
	if sess, err := c.sessions.Get(); err == nil && sess == nil {
		if c.sessions.HasFallbackCredentials() {
			c.sessions.ReauthenticateFromFallback(ctx)
		}
	}

	// Immediate best-effort sweep before the first tick.
	c.collectLatest(ctx)
	c.collectFastChart(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.runEvery(ctx, c.latestInterval, c.collectLatest)
	}()
	go func() {
		defer wg.Done()
		c.runEvery(ctx, c.chartInterval, c.collectFastChart)
	}()
	go func() {
		defer wg.Done()
		c.runDaily(ctx)
	}()
	wg.Wait()

	c.log.Infow("collector stopped")
	return nil
}

func (c *Collector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

func (c *Collector) runEvery(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// runDaily fires the midnight sweep: all chart fields for yesterday and
// today, then key parameters for today and yesterday. Running yesterday
// again covers data that arrives after the day rolls over.
func (c *Collector) runDaily(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(untilNextDaily(time.Now())):
		}
		now := time.Now()
		today := startOfDay(now)
		yesterday := today.AddDate(0, 0, -1)
		for _, pn := range c.devices() {
			c.ingest.FetchChartSweep(ctx, pn, yesterday, now)
			c.ingest.FetchKeyParamsForDate(ctx, pn, today)
			c.ingest.FetchKeyParamsForDate(ctx, pn, yesterday)
		}
	}
}

func (c *Collector) collectLatest(ctx context.Context) {
	for _, pn := range c.devices() {
		if err := c.ingest.FetchLatest(ctx, pn); err != nil {
			// One device failing never blocks the others.
			c.log.Warnw("latest fetch failed", "pn", pn, "error", err)
		}
	}
}

func (c *Collector) collectFastChart(ctx context.Context) {
	for _, pn := range c.devices() {
		c.ingest.FetchFastChart(ctx, pn)
	}
}

// devices lists current fetch targets, re-derived on every cycle from
// the tracked device set, falling back to the legacy device identifier
// embedded in the session.
func (c *Collector) devices() []string {
	devices, err := c.sessions.ListDevices()
	if err != nil {
		c.log.Warnw("device listing failed", "error", err)
		return nil
	}
	if len(devices) > 0 {
		pns := make([]string, 0, len(devices))
		for _, d := range devices {
			pns = append(pns, d.PN)
		}
		return pns
	}
	sess, err := c.sessions.Get()
	if err != nil || sess == nil {
		return nil
	}
	if pn := sess.Params()["pn"]; pn != "" {
		return []string{pn}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// untilNextDaily returns the wait until the next daily sweep, a few
// minutes past midnight so the remote has finished closing out the day.
func untilNextDaily(now time.Time) time.Duration {
	next := startOfDay(now).AddDate(0, 0, 1).Add(5 * time.Minute)
	return next.Sub(now)
}
