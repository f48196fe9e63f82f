package microthread

import (
	"fmt"

	"github.com/eapache/queue"
)

// DefaultTimeoutMS matches §3's default read/write timeout for a newly
// hooked descriptor (500ms).
const DefaultTimeoutMS = 500

// Scheduler is the dispatch loop: it owns the runnable queue, the
// IO-wait set, the time wheel and the kernel event channel, and is the
// only thing that ever calls Coroutine.Resume. Grounded on the
// teacher's Watcher.loop (watcher.go) and original:epoll_proxy.cpp's
// EpollDispath, fused into one type since this core has no separate
// "submit request" channel — coroutines call blocking-style primitives
// directly instead of posting aiocb values across a channel.
type Scheduler struct {
	runnable *queue.Queue
	ioWait   map[*Coroutine]struct{}
	wheel    *Wheel
	mux      *Multiplexer
	metrics  *Metrics
	logger   Logger

	stackBytes   int
	readTimeout  int64
	writeTimeout int64
	idleWaitMS   int

	closed bool
}

// NewScheduler builds a Scheduler, its Multiplexer and its Metrics
// together, applying any Options over the package defaults.
func NewScheduler(opts ...Option) (*Scheduler, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger()
	}

	metrics := NewMetrics(cfg.registry)

	mux, err := NewMultiplexer(cfg.maxFD, metrics, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("microthread: new scheduler: %w", err)
	}

	return &Scheduler{
		runnable:     queue.New(),
		ioWait:       make(map[*Coroutine]struct{}),
		wheel:        NewWheel(cfg.tick, cfg.wheelWidth),
		mux:          mux,
		metrics:      metrics,
		logger:       cfg.logger,
		stackBytes:   cfg.stackBytes,
		readTimeout:  cfg.readTimeout,
		writeTimeout: cfg.writeTimeout,
		idleWaitMS:   cfg.idleWaitMS,
		closed:       false,
	}, nil
}

// Multiplexer exposes the scheduler's kernel event channel, the handle
// component F/E need to Register/Unregister descriptors.
func (s *Scheduler) Multiplexer() *Multiplexer { return s.mux }

// Metrics exposes the scheduler's counters for registration or
// inspection by the embedder.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// DefaultReadTimeoutMS and DefaultWriteTimeoutMS are the timeouts a
// newly hooked descriptor starts with (§3).
func (s *Scheduler) DefaultReadTimeoutMS() int64  { return s.readTimeout }
func (s *Scheduler) DefaultWriteTimeoutMS() int64 { return s.writeTimeout }

// Spawn creates a coroutine with the scheduler's configured stack-size
// hint and places it on the runnable queue.
func (s *Scheduler) Spawn(entry func(Yielder)) *Coroutine {
	co := Spawn(entry, s.stackBytes)
	co.SetFlag(FlagRunList)
	s.runnable.Add(co)
	return co
}

// Stats is a point-in-time snapshot of the scheduler's internal queues,
// exposed for diagnostics (§4 supplement — nothing in spec.md names
// this, but every long-lived dispatcher in the pack exposes something
// like it for operators).
type Stats struct {
	Runnable     int
	IOWait       int
	TimerPending int
}

// Stats returns a snapshot of queue depths.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Runnable:     s.runnable.Length(),
		IOWait:       len(s.ioWait),
		TimerPending: s.wheel.Len(),
	}
}

// ParkIO arms every waiter in waiters, adds co to the IO-wait set, and
// (if deadlineMS > 0) schedules a timeout in the wheel, then suspends
// co until the scheduler wakes it for readiness or timeout. It must
// only be called from within co's own goroutine, while co is the
// running coroutine — never from the dispatch loop or another
// coroutine (§5's single-active-coroutine invariant is what makes the
// unsynchronized access to s.ioWait/s.wheel below safe).
//
// If arming any waiter fails, every waiter armed so far is rolled back
// and ParkIO returns the error without suspending co.
func (s *Scheduler) ParkIO(co *Coroutine, waiters []*FdWaiter, deadlineMS int64) error {
	armed := make([]*FdWaiter, 0, len(waiters))
	for _, w := range waiters {
		if err := s.mux.CtrlAdd(w); err != nil {
			for _, a := range armed {
				_ = s.mux.CtrlDelRef(a, a.Want)
			}
			return err
		}
		armed = append(armed, w)
		co.AttachWaiter(w)
	}

	co.SetFlag(FlagIOList)
	s.ioWait[co] = struct{}{}
	if deadlineMS > 0 {
		s.wheel.Insert(co, deadlineMS)
		co.SetFlag(FlagSleepList)
	}
	co.setState(StateIOWait)

	co.yield()
	return nil
}

// SleepMS parks co on the time wheel alone, with no armed descriptors,
// for at least ms milliseconds. Same calling-convention restriction as
// ParkIO.
func (s *Scheduler) SleepMS(co *Coroutine, ms int64) {
	if ms <= 0 {
		return
	}
	s.wheel.Insert(co, NowMS()+ms)
	co.SetFlag(FlagSleepList)
	co.setState(StateSleep)
	co.yield()
}

// wake moves co from whichever parked state it's in back onto the
// runnable queue, detaching its waiters and cancelling its wheel entry.
// It's a no-op if co has already been woken earlier in the same batch
// (the duplicate-notification guard original:epoll_proxy.cpp
// implements via HasFlag(IO_LIST) before requeuing).
func (s *Scheduler) wake(co *Coroutine, reason WakeReason) {
	if !co.HasFlag(FlagIOList) && !co.HasFlag(FlagSleepList) {
		return
	}

	for _, w := range co.Waiters() {
		_ = s.mux.CtrlDelRef(w, w.Want)
	}
	co.ClearWaiters()
	s.wheel.Remove(co)
	delete(s.ioWait, co)

	co.ClearFlag(FlagIOList)
	co.ClearFlag(FlagSleepList)
	co.SetWakeReason(reason)
	co.SetFlag(FlagRunList)
	co.setState(StateRunnable)
	s.runnable.Add(co)
}

// runCoroutine resumes co for one execution slice. If co is still
// alive after yielding and wasn't parked by ParkIO/SleepMS (i.e. it
// called its bare Yielder), it's simply requeued — the cooperative
// round-robin case (§4.A "explicit yield").
func (s *Scheduler) runCoroutine(co *Coroutine) {
	alive := co.Resume()
	if !alive {
		if p := co.Panic(); p != nil {
			s.logger.Errf("coroutine %d: entry panicked: %v", co.ID(), p)
		}
		delete(s.ioWait, co)
		s.wheel.Remove(co)
		return
	}
	if !co.HasFlag(FlagIOList) && !co.HasFlag(FlagSleepList) {
		co.SetFlag(FlagRunList)
		co.setState(StateRunnable)
		s.runnable.Add(co)
	}
}

// Run is the dispatch loop: expire due timers, compute how long it's
// safe to block in the kernel wait, collect readiness events, wake
// their owners, then run every currently-runnable coroutine exactly
// once to its next suspension point (§4.C, steps (1)-(5)). It returns
// once Shutdown has been called and the loop notices.
func (s *Scheduler) Run() {
	for !s.closed {
		for _, co := range s.wheel.ExpireDue(NowMS()) {
			s.metrics.Inc(CounterTimeout)
			s.wake(co, WakeTimeout)
		}

		waitMS := 0
		if s.runnable.Length() == 0 {
			if deadline, ok := s.wheel.NextDeadline(); ok {
				waitMS = int(deadline - NowMS())
				if waitMS < 0 {
					waitMS = 0
				}
			} else {
				waitMS = s.idleWaitMS
			}
		}

		events, err := s.mux.Wait(waitMS)
		if err != nil {
			s.logger.Errf("microthread: dispatch wait: %v", err)
		}
		for _, ev := range events {
			s.wake(ev.Waiter.Owner, ev.Reason)
		}

		n := s.runnable.Length()
		for i := 0; i < n; i++ {
			co := s.runnable.Remove().(*Coroutine)
			co.ClearFlag(FlagRunList)
			s.runCoroutine(co)
		}
	}
}

// Shutdown stops the dispatch loop after its current iteration and
// closes the kernel event channel. It does not forcibly terminate any
// in-flight coroutine.
func (s *Scheduler) Shutdown() error {
	s.closed = true
	return s.mux.Close()
}
