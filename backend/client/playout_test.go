package client

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

const waitTimeout = 2 * time.Second

type fakeTiming struct {
	latency time.Duration
	buffer  time.Duration
	now     time.Time
}

func (f *fakeTiming) Latency() time.Duration      { return f.latency }
func (f *fakeTiming) JitterBuffer() time.Duration { return f.buffer }
func (f *fakeTiming) ServerNow() time.Time        { return f.now }

func newTestScheduler(clock clockwork.Clock, timing Timing) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Logger: nopLogger(),
		Clock:  clock,
		Timing: timing,
	})
}

func TestComputePlayDelay(t *testing.T) {
	now := time.UnixMilli(5_000_000)
	for _, tc := range []struct {
		name    string
		timing  fakeTiming
		eventAt int64
		want    time.Duration
	}{
		{
			name:    "future event on a stable link",
			timing:  fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now},
			eventAt: now.Add(100 * time.Millisecond).UnixMilli(),
			want:    80 * time.Millisecond,
		},
		{
			name:    "past event never yields a negative wait",
			timing:  fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now},
			eventAt: now.Add(-3 * time.Second).UnixMilli(),
			want:    0,
		},
		{
			name:    "high latency pads with the jitter buffer",
			timing:  fakeTiming{latency: 90 * time.Millisecond, buffer: 15 * time.Millisecond, now: now},
			eventAt: now.Add(100 * time.Millisecond).UnixMilli(),
			want:    95 * time.Millisecond,
		},
		{
			name:    "wide jitter buffer pads even at low latency",
			timing:  fakeTiming{latency: 20 * time.Millisecond, buffer: 40 * time.Millisecond, now: now},
			eventAt: now.Add(100 * time.Millisecond).UnixMilli(),
			want:    120 * time.Millisecond,
		},
		{
			name:    "event closer than the advance window plays now",
			timing:  fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now},
			eventAt: now.Add(10 * time.Millisecond).UnixMilli(),
			want:    0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			timing := tc.timing
			s := newTestScheduler(clockwork.NewFakeClock(), &timing)
			if got := s.ComputePlayDelay(tc.eventAt); got != tc.want {
				t.Errorf("delay %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSchedulePlayImmediate(t *testing.T) {
	now := time.UnixMilli(5_000_000)
	timing := &fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now}
	s := newTestScheduler(clockwork.NewFakeClock(), timing)

	var played bool
	delay := s.SchedulePlay("hit/1", now.Add(-time.Second).UnixMilli(), func() { played = true })
	if delay != 0 {
		t.Errorf("delay %v, want 0", delay)
	}
	if !played {
		t.Error("overdue event must play synchronously")
	}
}

func TestSchedulePlayDeferred(t *testing.T) {
	fc := clockwork.NewFakeClock()
	now := time.UnixMilli(5_000_000)
	timing := &fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now}
	s := newTestScheduler(fc, timing)

	playedCh := make(chan struct{}, 1)
	delay := s.SchedulePlay("hit/1", now.Add(200*time.Millisecond).UnixMilli(), func() { playedCh <- struct{}{} })
	if delay != 180*time.Millisecond {
		t.Fatalf("delay %v, want 180ms", delay)
	}

	select {
	case <-playedCh:
		t.Fatal("played before the delay elapsed")
	default:
	}

	fc.Advance(delay)
	select {
	case <-playedCh:
	case <-time.After(waitTimeout):
		t.Fatal("never played after the delay elapsed")
	}
}

func TestCancelDropsPendingPlay(t *testing.T) {
	fc := clockwork.NewFakeClock()
	now := time.UnixMilli(5_000_000)
	timing := &fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now}
	s := newTestScheduler(fc, timing)

	playedCh := make(chan struct{}, 1)
	s.SchedulePlay("hit/1", now.Add(200*time.Millisecond).UnixMilli(), func() { playedCh <- struct{}{} })
	s.Cancel("hit/1")

	fc.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-playedCh:
		t.Fatal("cancelled play still fired")
	default:
	}
}

func TestRescheduleReplacesPendingPlay(t *testing.T) {
	fc := clockwork.NewFakeClock()
	now := time.UnixMilli(5_000_000)
	timing := &fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now}
	s := newTestScheduler(fc, timing)

	playedCh := make(chan string, 2)
	s.SchedulePlay("hit/1", now.Add(200*time.Millisecond).UnixMilli(), func() { playedCh <- "first" })
	s.SchedulePlay("hit/1", now.Add(400*time.Millisecond).UnixMilli(), func() { playedCh <- "second" })

	fc.Advance(time.Second)
	select {
	case got := <-playedCh:
		if got != "second" {
			t.Fatalf("played %q, want the replacement", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("replacement never played")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case got := <-playedCh:
		t.Fatalf("duplicate play %q after replacement", got)
	default:
	}
}

func TestShouldPlayImmediately(t *testing.T) {
	now := time.UnixMilli(5_000_000)
	timing := &fakeTiming{latency: 20 * time.Millisecond, buffer: 15 * time.Millisecond, now: now}
	s := newTestScheduler(clockwork.NewFakeClock(), timing)

	if !s.ShouldPlayImmediately(now.Add(-time.Second).UnixMilli()) {
		t.Error("past event should play immediately")
	}
	if s.ShouldPlayImmediately(now.Add(time.Second).UnixMilli()) {
		t.Error("far-future event should not play immediately")
	}
}