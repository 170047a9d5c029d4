package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// defaultAdvanceTime compensates for the audio pipeline's own intrinsic
	// latency between scheduling and audible output.
	defaultAdvanceTime = 20 * time.Millisecond

	unstableLatencyThreshold = 80 * time.Millisecond
	unstableBufferThreshold  = 30 * time.Millisecond
)

// Timing is the slice of ClockSync the scheduler reads.
type Timing interface {
	Latency() time.Duration
	JitterBuffer() time.Duration
	ServerNow() time.Time
}

// Scheduler decides when a received timed event should be rendered locally:
// immediately when its server timestamp is already due, otherwise after a
// computed delay, padded with the jitter buffer under unstable conditions.
type Scheduler struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	timing Timing

	advance time.Duration

	mx      sync.Mutex
	pending map[string]*scheduledPlay
}

type scheduledPlay struct {
	timer    clockwork.Timer
	cancelCh chan struct{}
}

type SchedulerConfig struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock
	Timing Timing

	AdvanceTime time.Duration
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		logger:  cfg.Logger.With().Str("component", "playout-scheduler").Logger(),
		clock:   cfg.Clock,
		timing:  cfg.Timing,
		advance: cfg.AdvanceTime,
		pending: make(map[string]*scheduledPlay),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.advance <= 0 {
		s.advance = defaultAdvanceTime
	}
	return s
}

// ComputePlayDelay converts an event's server timestamp into a local wait.
// The result is never negative: events already due play immediately.
func (s *Scheduler) ComputePlayDelay(eventMillis int64) time.Duration {
	delay := time.UnixMilli(eventMillis).Sub(s.timing.ServerNow())
	if delay < 0 {
		delay = 0
	}

	if s.timing.Latency() > unstableLatencyThreshold || s.timing.JitterBuffer() > unstableBufferThreshold {
		delay += s.timing.JitterBuffer()
	}

	delay -= s.advance
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (s *Scheduler) ShouldPlayImmediately(eventMillis int64) bool {
	return s.ComputePlayDelay(eventMillis) <= 0
}

// SchedulePlay invokes callback after the computed delay, or immediately if
// the event is already due. Rescheduling the same key replaces the pending
// invocation, so repeated delivery of one event plays at most once.
func (s *Scheduler) SchedulePlay(key string, eventMillis int64, callback func()) time.Duration {
	delay := s.ComputePlayDelay(eventMillis)
	if delay <= 0 {
		s.Cancel(key)
		callback()
		return 0
	}

	play := &scheduledPlay{
		timer:    s.clock.NewTimer(delay),
		cancelCh: make(chan struct{}),
	}

	s.mx.Lock()
	if prev, ok := s.pending[key]; ok {
		stopPlay(prev)
	}
	s.pending[key] = play
	s.mx.Unlock()

	go func() {
		select {
		case <-play.timer.Chan():
		case <-play.cancelCh:
			return
		}

		s.mx.Lock()
		if s.pending[key] != play {
			s.mx.Unlock()
			return
		}
		delete(s.pending, key)
		s.mx.Unlock()

		callback()
	}()

	s.logger.Trace().Str("key", key).Dur("delay", delay).Msg("playback scheduled")
	return delay
}

// Cancel drops a pending scheduled play. Unknown keys are a no-op.
func (s *Scheduler) Cancel(key string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if play, ok := s.pending[key]; ok {
		stopPlay(play)
		delete(s.pending, key)
	}
}

func stopPlay(play *scheduledPlay) {
	if !play.timer.Stop() {
		select {
		case <-play.timer.Chan():
		default:
		}
	}
	close(play.cancelCh)
}
