package client

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultProbeCount    = 5
	defaultProbeSpacing  = 300 * time.Millisecond
	defaultProbeTimeout  = 3 * time.Second
	defaultMinSuccesses  = 3
	defaultMaxRetries    = 3
	defaultResyncPeriod  = 5 * time.Minute
	defaultFallbackDelay = 100 * time.Millisecond

	minJitterBuffer = 15 * time.Millisecond
	maxJitterBuffer = 100 * time.Millisecond
)

// TimeProber issues a single round-trip clock probe and returns the server's
// instantaneous timestamp in milliseconds.
type TimeProber interface {
	RequestServerTime(ctx context.Context, requestID string) (int64, error)
}

// ClockSync estimates the offset between the local clock and the server's
// reference clock plus the one-way network latency, using batches of spaced
// probes aggregated by median so a transient congestion spike cannot skew
// the estimate.
type ClockSync struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	prober TimeProber

	probeCount   int
	probeSpacing time.Duration
	probeTimeout time.Duration
	minSuccesses int
	maxRetries   int
	resyncPeriod time.Duration

	mx           sync.RWMutex
	offset       time.Duration
	latency      time.Duration
	jitterBuffer time.Duration
	ready        bool
}

type clockSample struct {
	oneWay    time.Duration
	offset    time.Duration
	roundTrip time.Duration
}

type ClockSyncConfig struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock
	Prober TimeProber

	ProbeCount   int
	ProbeSpacing time.Duration
	ProbeTimeout time.Duration
	MinSuccesses int
	MaxRetries   int
	ResyncPeriod time.Duration
}

func NewClockSync(cfg ClockSyncConfig) *ClockSync {
	cs := &ClockSync{
		logger:       cfg.Logger.With().Str("component", "clock-sync").Logger(),
		clock:        cfg.Clock,
		prober:       cfg.Prober,
		probeCount:   cfg.ProbeCount,
		probeSpacing: cfg.ProbeSpacing,
		probeTimeout: cfg.ProbeTimeout,
		minSuccesses: cfg.MinSuccesses,
		maxRetries:   cfg.MaxRetries,
		resyncPeriod: cfg.ResyncPeriod,
		jitterBuffer: minJitterBuffer,
	}
	if cs.clock == nil {
		cs.clock = clockwork.NewRealClock()
	}
	if cs.probeCount <= 0 {
		cs.probeCount = defaultProbeCount
	}
	if cs.probeSpacing <= 0 {
		cs.probeSpacing = defaultProbeSpacing
	}
	if cs.probeTimeout <= 0 {
		cs.probeTimeout = defaultProbeTimeout
	}
	if cs.minSuccesses <= 0 {
		cs.minSuccesses = defaultMinSuccesses
	}
	if cs.maxRetries <= 0 {
		cs.maxRetries = defaultMaxRetries
	}
	if cs.resyncPeriod <= 0 {
		cs.resyncPeriod = defaultResyncPeriod
	}
	return cs
}

// Sync runs full probe batches until one yields enough samples, up to the
// retry cap. On exhaustion it falls back to conservative defaults rather
// than leaving the client without a usable estimate, and reports false.
func (cs *ClockSync) Sync(ctx context.Context) (bool, error) {
	for attempt := 0; attempt <= cs.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if attempt > 0 {
			cs.logger.Debug().Int("attempt", attempt).Msg("retrying clock sync batch")
		}

		samples, err := cs.runBatch(ctx)
		if err != nil {
			return false, err
		}
		if len(samples) >= cs.minSuccesses {
			cs.aggregate(samples)
			return true, nil
		}
	}

	cs.mx.Lock()
	cs.offset = 0
	cs.latency = defaultFallbackDelay
	cs.jitterBuffer = minJitterBuffer
	cs.ready = true
	cs.mx.Unlock()
	cs.logger.Warn().Msg("clock sync exhausted retries, using defaults")
	return false, nil
}

// runBatch issues the configured number of probes, spaced apart so a single
// burst of loss or jitter cannot spoil every sample. Old samples are never
// reused across batches.
func (cs *ClockSync) runBatch(ctx context.Context) ([]clockSample, error) {
	samples := make([]clockSample, 0, cs.probeCount)
	for i := 0; i < cs.probeCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-cs.clock.After(cs.probeSpacing):
			}
		}
		s, err := cs.probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cs.logger.Debug().Err(err).Msg("clock probe failed")
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (cs *ClockSync) probe(ctx context.Context) (clockSample, error) {
	probeCtx, cancel := context.WithTimeout(ctx, cs.probeTimeout)
	defer cancel()

	t0 := cs.clock.Now()
	serverMillis, err := cs.prober.RequestServerTime(probeCtx, uuid.NewString())
	if err != nil {
		return clockSample{}, err
	}
	t1 := cs.clock.Now()

	roundTrip := t1.Sub(t0)
	oneWay := roundTrip / 2
	// local clock reading at the instant the server stamped its reply
	localAtServer := t1.Add(-oneWay)
	return clockSample{
		oneWay:    oneWay,
		offset:    time.UnixMilli(serverMillis).Sub(localAtServer),
		roundTrip: roundTrip,
	}, nil
}

// aggregate takes the batch's median sample by one-way latency for both the
// latency and offset estimates, and sizes the jitter buffer from the spread.
func (cs *ClockSync) aggregate(samples []clockSample) {
	sort.Slice(samples, func(i, j int) bool { return samples[i].oneWay < samples[j].oneWay })
	median := samples[len(samples)/2]

	jitter := oneWayStdDev(samples)
	buffer := 2 * jitter
	if buffer < minJitterBuffer {
		buffer = minJitterBuffer
	}
	if buffer > maxJitterBuffer {
		buffer = maxJitterBuffer
	}

	cs.mx.Lock()
	cs.latency = median.oneWay
	cs.offset = median.offset
	cs.jitterBuffer = buffer
	cs.ready = true
	cs.mx.Unlock()

	cs.logger.Info().
		Dur("latency", median.oneWay).
		Dur("offset", median.offset).
		Dur("jitter", jitter).
		Dur("jitterBuffer", buffer).
		Msg("clock sync complete")
}

func oneWayStdDev(samples []clockSample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.oneWay)
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := float64(s.oneWay) - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return time.Duration(math.Sqrt(variance))
}

// Run performs the initial synchronization and then re-runs the full batch
// periodically to track clock drift and changing network conditions.
func (cs *ClockSync) Run(ctx context.Context) {
	if _, err := cs.Sync(ctx); err != nil {
		return
	}
	ticker := cs.clock.NewTicker(cs.resyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := cs.Sync(ctx); err != nil {
				return
			}
		}
	}
}

// Offset is the estimated difference between server and local clocks, such
// that serverTime ≈ localTime + Offset.
func (cs *ClockSync) Offset() time.Duration {
	cs.mx.RLock()
	defer cs.mx.RUnlock()
	return cs.offset
}

func (cs *ClockSync) Latency() time.Duration {
	cs.mx.RLock()
	defer cs.mx.RUnlock()
	return cs.latency
}

func (cs *ClockSync) JitterBuffer() time.Duration {
	cs.mx.RLock()
	defer cs.mx.RUnlock()
	return cs.jitterBuffer
}

func (cs *ClockSync) Ready() bool {
	cs.mx.RLock()
	defer cs.mx.RUnlock()
	return cs.ready
}

// ServerNow is the local best estimate of the server's current time.
func (cs *ClockSync) ServerNow() time.Time {
	return cs.clock.Now().Add(cs.Offset())
}

// AdjustEventTime converts a local millisecond timestamp into server time.
func (cs *ClockSync) AdjustEventTime(localMillis int64) int64 {
	return localMillis + cs.Offset().Milliseconds()
}

type NetworkStats struct {
	Status       string        `json:"status"`
	Latency      time.Duration `json:"latency"`
	JitterBuffer time.Duration `json:"jitter_buffer"`
	Offset       time.Duration `json:"offset"`
	Quality      string        `json:"quality"`
}

func (cs *ClockSync) GetNetworkStats() NetworkStats {
	cs.mx.RLock()
	defer cs.mx.RUnlock()
	if !cs.ready {
		return NetworkStats{Status: "initializing"}
	}

	var quality string
	switch {
	case cs.latency < 50*time.Millisecond:
		quality = "excellent"
	case cs.latency < 100*time.Millisecond:
		quality = "good"
	case cs.latency < 200*time.Millisecond:
		quality = "fair"
	default:
		quality = "poor"
	}
	return NetworkStats{
		Status:       "ready",
		Latency:      cs.latency,
		JitterBuffer: cs.jitterBuffer,
		Offset:       cs.offset,
		Quality:      quality,
	}
}
