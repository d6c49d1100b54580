package dispatcher

import (
	"time"

	"campaign-dialer/internal/supervisor"
)

// Loop names registered with the supervisor.
const (
	LoopDispatch = "dispatch"
	LoopPacing   = "pacing"
	LoopLearning = "best_time_learning"
)

type LoopIntervals struct {
	Dispatch time.Duration
	Pacing   time.Duration
	Learning time.Duration
}

func (li LoopIntervals) withDefaults() LoopIntervals {
	if li.Dispatch <= 0 {
		li.Dispatch = 15 * time.Second
	}
	if li.Pacing <= 0 {
		li.Pacing = 3 * time.Minute
	}
	if li.Learning <= 0 {
		li.Learning = 24 * time.Hour
	}
	return li
}

// StartAuto starts the dispatch, pacing and learning loops. Loops that are
// already running are left alone; started reports whether any loop began.
func (d *Dispatcher) StartAuto(sup *supervisor.Supervisor, li LoopIntervals) (started bool) {
	li = li.withDefaults()
	if _, ok := sup.Start(LoopDispatch, li.Dispatch, d.Tick); ok {
		started = true
	}
	if _, ok := sup.Start(LoopPacing, li.Pacing, d.EvaluatePacing); ok {
		started = true
	}
	if _, ok := sup.Start(LoopLearning, li.Learning, d.LearnBestTimes); ok {
		started = true
	}
	if started {
		d.log.Info("auto-dispatch started", "dispatch_interval", li.Dispatch.String(), "pacing_interval", li.Pacing.String())
	}
	return started
}

// StopAuto stops the dispatch and pacing loops. Best-time learning keeps
// running so retries still use fresh slots when dispatch resumes.
func (d *Dispatcher) StopAuto(sup *supervisor.Supervisor) (stopped bool) {
	if sup.Stop(LoopDispatch) {
		stopped = true
	}
	if sup.Stop(LoopPacing) {
		stopped = true
	}
	if stopped {
		d.log.Info("auto-dispatch stopped")
	}
	return stopped
}
