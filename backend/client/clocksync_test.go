package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func nopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func newTestSync(cfg ClockSyncConfig) *ClockSync {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger()
	}
	return NewClockSync(cfg)
}

func sampleAt(oneWay, offset time.Duration) clockSample {
	return clockSample{oneWay: oneWay, offset: offset, roundTrip: 2 * oneWay}
}

func TestAggregateTakesMedianSample(t *testing.T) {
	cs := newTestSync(ClockSyncConfig{})

	// One congested probe must not drag the estimate; the median sample
	// carries both latency and offset.
	cs.aggregate([]clockSample{
		sampleAt(16*time.Millisecond, 31*time.Millisecond),
		sampleAt(500*time.Millisecond, 400*time.Millisecond),
		sampleAt(10*time.Millisecond, 28*time.Millisecond),
		sampleAt(14*time.Millisecond, 30*time.Millisecond),
		sampleAt(12*time.Millisecond, 29*time.Millisecond),
	})

	if got := cs.Latency(); got != 14*time.Millisecond {
		t.Errorf("latency %v, want 14ms", got)
	}
	if got := cs.Offset(); got != 30*time.Millisecond {
		t.Errorf("offset %v, want 30ms", got)
	}
	if !cs.Ready() {
		t.Error("sync should be ready after aggregation")
	}
}

func TestAggregateJitterBufferBounds(t *testing.T) {
	cs := newTestSync(ClockSyncConfig{})

	// Identical samples: zero spread clamps up to the floor.
	cs.aggregate([]clockSample{
		sampleAt(10*time.Millisecond, 0),
		sampleAt(10*time.Millisecond, 0),
		sampleAt(10*time.Millisecond, 0),
	})
	if got := cs.JitterBuffer(); got != minJitterBuffer {
		t.Errorf("jitter buffer %v, want floor %v", got, minJitterBuffer)
	}

	// Wild spread clamps down to the ceiling.
	cs.aggregate([]clockSample{
		sampleAt(10*time.Millisecond, 0),
		sampleAt(200*time.Millisecond, 0),
		sampleAt(900*time.Millisecond, 0),
	})
	if got := cs.JitterBuffer(); got != maxJitterBuffer {
		t.Errorf("jitter buffer %v, want ceiling %v", got, maxJitterBuffer)
	}
}

// advancingProber simulates a fixed round trip by moving the fake clock
// while the request is "in flight".
type advancingProber struct {
	fc           *clockwork.FakeClock
	roundTrip    time.Duration
	serverMillis int64
}

func (p *advancingProber) RequestServerTime(context.Context, string) (int64, error) {
	p.fc.Advance(p.roundTrip)
	return p.serverMillis, nil
}

func TestProbeOffsetArithmetic(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	fc := clockwork.NewFakeClockAt(base)

	// Departure at 1_000_000ms, 40ms round trip, so the server stamped its
	// reply at local 1_000_020ms. A server reading of 1_000_520ms means the
	// server runs 500ms ahead.
	prober := &advancingProber{fc: fc, roundTrip: 40 * time.Millisecond, serverMillis: 1_000_520}
	cs := newTestSync(ClockSyncConfig{Clock: fc, Prober: prober})

	s, err := cs.probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if s.roundTrip != 40*time.Millisecond {
		t.Errorf("round trip %v, want 40ms", s.roundTrip)
	}
	if s.oneWay != 20*time.Millisecond {
		t.Errorf("one-way %v, want 20ms", s.oneWay)
	}
	if s.offset != 500*time.Millisecond {
		t.Errorf("offset %v, want 500ms", s.offset)
	}
}

type failingProber struct{ calls int }

func (p *failingProber) RequestServerTime(context.Context, string) (int64, error) {
	p.calls++
	return 0, errors.New("probe lost")
}

func TestSyncFallsBackAfterRetries(t *testing.T) {
	prober := &failingProber{}
	cs := newTestSync(ClockSyncConfig{
		Prober:       prober,
		ProbeCount:   1,
		MinSuccesses: 1,
		MaxRetries:   1,
	})

	ok, err := cs.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync errored: %v", err)
	}
	if ok {
		t.Fatal("sync reported success with every probe failing")
	}
	if prober.calls != 2 {
		t.Errorf("expected 2 probe attempts (initial + retry), got %d", prober.calls)
	}

	if !cs.Ready() {
		t.Error("fallback must still leave the client ready")
	}
	if got := cs.Offset(); got != 0 {
		t.Errorf("fallback offset %v, want 0", got)
	}
	if got := cs.Latency(); got != defaultFallbackDelay {
		t.Errorf("fallback latency %v, want %v", got, defaultFallbackDelay)
	}
	if got := cs.JitterBuffer(); got != minJitterBuffer {
		t.Errorf("fallback jitter buffer %v, want %v", got, minJitterBuffer)
	}
}

type fixedProber struct{ serverMillis int64 }

func (p *fixedProber) RequestServerTime(context.Context, string) (int64, error) {
	return p.serverMillis, nil
}

func TestSyncSucceedsWithFullBatch(t *testing.T) {
	cs := newTestSync(ClockSyncConfig{
		Prober:       &fixedProber{serverMillis: time.Now().UnixMilli()},
		ProbeCount:   3,
		ProbeSpacing: time.Millisecond,
		MinSuccesses: 3,
	})

	ok, err := cs.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync errored: %v", err)
	}
	if !ok || !cs.Ready() {
		t.Fatalf("sync ok=%v ready=%v, want both true", ok, cs.Ready())
	}
}

func TestAdjustEventTime(t *testing.T) {
	cs := newTestSync(ClockSyncConfig{})
	cs.mx.Lock()
	cs.offset = 250 * time.Millisecond
	cs.mx.Unlock()

	if got := cs.AdjustEventTime(1_000); got != 1_250 {
		t.Errorf("adjusted time %d, want 1250", got)
	}
}

func TestNetworkStatsQuality(t *testing.T) {
	cs := newTestSync(ClockSyncConfig{})

	if got := cs.GetNetworkStats(); got.Status != "initializing" {
		t.Fatalf("status %q before first sync, want initializing", got.Status)
	}

	for _, tc := range []struct {
		latency time.Duration
		quality string
	}{
		{20 * time.Millisecond, "excellent"},
		{70 * time.Millisecond, "good"},
		{150 * time.Millisecond, "fair"},
		{400 * time.Millisecond, "poor"},
	} {
		cs.mx.Lock()
		cs.ready = true
		cs.latency = tc.latency
		cs.mx.Unlock()

		got := cs.GetNetworkStats()
		if got.Status != "ready" || got.Quality != tc.quality {
			t.Errorf("latency %v: status %q quality %q, want ready/%s", tc.latency, got.Status, got.Quality, tc.quality)
		}
	}
}